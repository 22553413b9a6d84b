package logx

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Manager owns the process logger and its runtime-adjustable level, which
// backs the /log shell command.
type Manager struct {
	logger *zap.Logger
	level  zap.AtomicLevel
	file   *os.File
}

// New builds a console logger on stderr (stdout belongs to the shell) and,
// when path is non-empty, tees the same output into an append-only log file.
func New(levelName, path string) (*Manager, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if levelName != "" {
		parsed, err := zapcore.ParseLevel(levelName)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", levelName, err)
		}
		level.SetLevel(parsed)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level),
	}
	var file *os.File
	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		file = f
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(f), level))
	}

	return &Manager{
		logger: zap.New(zapcore.NewTee(cores...)),
		level:  level,
		file:   file,
	}, nil
}

func (m *Manager) Logger() *zap.Logger {
	return m.logger
}

// SetLevel changes the level of every sink at runtime.
func (m *Manager) SetLevel(name string) error {
	parsed, err := zapcore.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("log level %q: %w", name, err)
	}
	m.level.SetLevel(parsed)
	return nil
}

func (m *Manager) Level() zapcore.Level {
	return m.level.Level()
}

func (m *Manager) Close() error {
	_ = m.logger.Sync()
	if m.file != nil {
		return m.file.Close()
	}
	return nil
}
