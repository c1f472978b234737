// Package logger はlogrusをラップした構造化ロガーを提供する。
//
// 全サービスで共通のJSONフォーマットとフィールド名を使用する。
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger はlogrus.Loggerにサービス共通のヘルパーを追加したもの。
type Logger struct {
	*logrus.Logger
	// service はログに付与するサービス名。
	service string
}

// New は指定したサービス名とログレベルでロガーを生成する。
// 不正なレベルが指定された場合はinfoを使用する。
func New(service, level string) *Logger {
	return NewWithOutput(service, level, os.Stdout)
}

// NewWithOutput は出力先を指定してロガーを生成する。テストで使用する。
func NewWithOutput(service, level string, out io.Writer) *Logger {
	log := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	log.SetOutput(out)

	return &Logger{Logger: log, service: service}
}

// Discard は何も出力しないロガーを返す。テスト用。
func Discard() *Logger {
	return NewWithOutput("test", "panic", io.Discard)
}

// Component はサービス名とコンポーネント名を付与したエントリを返す。
func (l *Logger) Component(component string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service":   l.service,
		"component": component,
	})
}

// Service はサービス名を返す。
func (l *Logger) Service() string {
	return l.service
}
