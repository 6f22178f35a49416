package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	postconfirm "github.com/ietf-tools/postconfirm"
	"github.com/ietf-tools/postconfirm/config"
	"github.com/ietf-tools/postconfirm/repo/sqlstore"
	"github.com/ietf-tools/postconfirm/txt"
	"github.com/ietf-tools/postconfirm/util"
)

const WarnFormat = "\033[1;31m%s\033[0m"

func main() {

	log.SetFlags(0) // no log prefixes required, systemd-journald adds them

	configPath := flag.String("config", "/etc/postconfirm/postconfirm.toml", "read the configuration from this `file`")
	milterPort := flag.Int("port", 0, "listen for milter connections on this `port`, overriding the configuration")
	dummyMode := flag.Bool("dummymode", false, "log outgoing mail instead of sending it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("error loading configuration: %v", err)
	}
	if *milterPort != 0 {
		cfg.MilterPort = *milterPort
	}

	// token validator

	validator, err := postconfirm.NewValidator(cfg.KeyFile)
	if err != nil {
		log.Fatalf("error loading key file: %v", err)
	}

	// challenge mail template

	template := txt.Confirm
	if cfg.MailTemplate != "" {
		template, err = txt.LoadConfirm(cfg.MailTemplate)
		if err != nil {
			log.Fatalf("error loading mail template: %v", err)
		}
	}

	// dbs

	store, err := sqlstore.Open(cfg.DB.Driver, cfg.DB.DSN())
	if err != nil {
		log.Fatalf("error opening database: %v", err)
	}
	defer store.Close()

	rules := []postconfirm.RuleStore{store}
	for _, q := range cfg.QueryChallenge {
		qr, err := sqlstore.OpenQueryRules(q.Name, q.Driver, q.DSN, q.ActionQuery, q.PatternQuery)
		if err != nil {
			log.Fatalf("error opening challenge source: %v", err)
		}
		defer qr.Close()
		rules = append(rules, qr)
	}

	// confirmation log

	var confirmLog postconfirm.Logger
	if cfg.ConfirmLog != "" {
		confirmLog, err = util.NewFileLogger(cfg.ConfirmLog)
		if err != nil {
			log.Fatalf("error creating confirmation logfile: %v", err)
		}
	}

	// re-mailer

	var remailer postconfirm.Remailer = &postconfirm.SMTPRemailer{
		Host:          cfg.SMTP.Host,
		Port:          cfg.SMTP.Port,
		HeloHost:      cfg.SMTP.Helo,
		DefaultSender: cfg.SMTP.Sender,
		Username:      cfg.SMTP.User,
		Password:      cfg.SMTP.Password,
	}

	if *dummyMode {
		remailer = postconfirm.DummyRemailer{}
		log.Printf(WarnFormat, "postconfirm runs in dummy mode. No emails are sent.")
	}

	// create Postconfirm

	pc := &postconfirm.Postconfirm{
		Store:              store,
		Rules:              rules,
		Remailer:           remailer,
		Validator:          validator,
		Template:           template,
		ConfirmLog:         confirmLog,
		AdminAddress:       cfg.AdminAddress,
		BulkRegex:          regexp.MustCompile(cfg.BulkRegex),
		AutoSubmittedRegex: regexp.MustCompile(cfg.AutoSubmittedRegex),
		ResendConfirmation: cfg.ResendConfirmation,
	}

	// milter server

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.MilterPort))
	if err != nil {
		log.Fatalf("error creating milter listener: %v", err)
	}

	milterSrv := pc.NewMilterServer()

	go func() {
		if err := milterSrv.Serve(listener); err != nil {
			log.Printf("milter server error: %v", err)
			shutdownChan <- syscall.SIGINT
		}
	}()

	log.Printf("milter listener: :%d", cfg.MilterPort)

	// graceful shutdown

	log.Printf("running")

	<-shutdownChan
	log.Println("received shutdown signal")
	listener.Close()
	pc.Waiting.Wait()
	remailer.Quit()
	log.Printf("exiting")
}
