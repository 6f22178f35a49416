package util

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// FileLogger writes an append-only logfile, one entry per line, with UTC
// timestamps. Postconfirm uses it for the confirmation trail, which must
// survive log rotation and transient write errors.
type FileLogger struct {
	file   *os.File
	path   string
	lock   sync.Mutex
	logger *log.Logger
}

func NewFileLogger(path string) (*FileLogger, error) {
	l := &FileLogger{path: path}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	file, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	l.file = file
	l.logger = log.New(file, "", log.Ldate|log.Ltime|log.LUTC)
	return nil
}

// Printf logs one entry and reports write errors instead of dropping them
// like log.Printf does. On a write error the file is reopened once, which
// covers rotation and deleted-underneath logfiles.
func (l *FileLogger) Printf(format string, v ...interface{}) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if err := l.logger.Output(2, fmt.Sprintf(format, v...)); err != nil {
		_ = l.file.Close()
		if err = l.open(); err != nil {
			return err
		}
		if err = l.logger.Output(2, fmt.Sprintf(format, v...)); err != nil {
			return err
		}
	}
	return l.file.Sync()
}

func (l *FileLogger) Close() error {
	return l.file.Close()
}
