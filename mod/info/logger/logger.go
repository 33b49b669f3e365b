package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

/*
	Lattice Logger

	Managed log for the Lattice core. All modules write through
	this logger instead of scattering log.Println calls. The
	underlying writer is golang's build-in log package.
*/

type Logger struct {
	Prefix         string //Prefix for log files
	LogFolder      string //Folder to store the log file
	CurrentLogFile string //Current writing filename
	logger         *log.Logger
	file           *os.File
	mu             sync.Mutex
}

// Create a new logger that log to files
func NewLogger(logFilePrefix string, logFolder string) (*Logger, error) {
	err := os.MkdirAll(logFolder, 0775)
	if err != nil {
		return nil, err
	}

	thisLogger := Logger{
		Prefix:    logFilePrefix,
		LogFolder: logFolder,
	}

	//Create the log file if not exists
	logFilePath := thisLogger.getLogFilepath()
	f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0755)
	if err != nil {
		return nil, err
	}
	thisLogger.CurrentLogFile = logFilePath
	thisLogger.file = f

	//Start the logger
	thisLogger.logger = log.New(f, "", 0)
	return &thisLogger, nil
}

// Create a logger that only log to STDOUT
func NewFmtLogger() (*Logger, error) {
	return &Logger{
		Prefix:         "",
		LogFolder:      "",
		CurrentLogFile: "",
		logger:         nil,
		file:           nil,
	}, nil
}

func (l *Logger) getLogFilepath() string {
	year, month, _ := time.Now().Date()
	return filepath.Join(l.LogFolder, l.Prefix+"_"+strconv.Itoa(year)+"-"+strconv.Itoa(int(month))+".log")
}

// PrintAndLog will log the message to file and print the log to STDOUT
func (l *Logger) PrintAndLog(title string, message string, originalError error) {
	l.Log(title, message, originalError, true)
}

// Println is a fast snap-in replacement for log.Println
func (l *Logger) Println(v ...interface{}) {
	message := fmt.Sprint(v...)
	l.Log("internal", message, nil, true)
}

func (l *Logger) Log(title string, errorMessage string, originalError error, copyToSTDOUT bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.validateAndUpdateLogFilepath()
	line := ""
	if originalError == nil {
		line = "[" + time.Now().Format("2006-01-02 15:04:05.000000") + "] [" + title + "] [system:info] " + errorMessage
	} else {
		line = "[" + time.Now().Format("2006-01-02 15:04:05.000000") + "] [" + title + "] [system:error] " + errorMessage + ": " + originalError.Error()
	}

	if l.logger == nil || copyToSTDOUT {
		//Use STDOUT instead of logger
		fmt.Println(line)
	}

	if l.logger != nil {
		l.logger.Println(line)
	}
}

// Validate if the logging target is still valid (detect any months change)
func (l *Logger) validateAndUpdateLogFilepath() {
	if l.file == nil {
		return
	}
	expectedCurrentLogFilepath := l.getLogFilepath()
	if l.CurrentLogFile != expectedCurrentLogFilepath {
		//Change of month. Update to a new log file
		l.file.Close()
		l.file = nil

		//Create a new log file
		f, err := os.OpenFile(expectedCurrentLogFilepath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0755)
		if err != nil {
			log.Println("Unable to create new log. Logging is disabled: ", err.Error())
			l.logger = nil
			return
		}
		l.CurrentLogFile = expectedCurrentLogFilepath
		l.file = f

		//Start a new logger
		l.logger = log.New(f, "", 0)
	}
}

func (l *Logger) Close() {
	if l.file != nil {
		l.file.Close()
	}
}
