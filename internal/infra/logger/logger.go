// Package logger — централизованная обёртка над zap для всего приложения.
// Инициализирует уровень логирования и формат консольного вывода, умеет
// дополнительно писать в файл с ротацией (lumberjack) и переназначать целевые
// потоки на лету. Использует zap.AtomicLevel для динамической смены уровня
// и mutex для потокобезопасности.

package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// mu защищает доступ к глобальному состоянию логгера от одновременных изменений.
	mu sync.Mutex
	// log хранит текущий экземпляр zap.Logger, используемый во всём приложении.
	log *zap.Logger
	// logLevel управляет динамическим уровнем логирования без пересоздания ядра.
	logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	// fileLevel — отдельный уровень для файлового core; обычно ниже консольного.
	fileLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	// encoderCfg содержит настройки форматирования сообщений.
	encoderCfg = defaultEncoderConfig()
	// stdoutWriter определяет поток для стандартного вывода логов.
	stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	// stderrWriter определяет поток для вывода ошибок самого логгера.
	stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
	// fileSink — опциональный writer файла с ротацией; nil, если файловый вывод выключен.
	fileSink zapcore.WriteSyncer
)

// FileConfig описывает параметры файлового логирования с ротацией.
// Нулевые значения размера/глубины трактует lumberjack (его дефолты).
type FileConfig struct {
	Path       string // путь до файла; пустая строка выключает файловый вывод
	Level      string // уровень файлового core: debug|info|warn|error
	MaxSizeMB  int    // максимальный размер файла до ротации, МБ
	MaxBackups int    // сколько старых файлов хранить
	MaxAgeDays int    // сколько дней хранить старые файлы
	Compress   bool   // сжимать ли ротированные файлы
}

// defaultEncoderConfig формирует консольный encoder с цветами и коротким caller.
// Формат времени фиксирован (YYYY-MM-DD HH:MM:SS).
func defaultEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// fileEncoderConfig — encoder файлового core: без цветов, JSON для машинной обработки.
func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := defaultEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// rebuildLoggerLocked пересоздаёт глобальный логгер с текущими настройками потоков,
// уровня и файлового sink. Предполагается, что вызывающий уже удерживает mu.
// AddCallerSkip(1) скрывает обёртки logger.* в стеке вызовов. Перед заменой
// предыдущий логгер аккуратно Sync(), чтобы сбросить буферы.
func rebuildLoggerLocked() {
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), stdoutWriter, logLevel)
	core := consoleCore
	if fileSink != nil {
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig()), fileSink, fileLevel)
		core = zapcore.NewTee(consoleCore, fileCore)
	}
	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(stderrWriter))
}

// parseLevel отображает строковый уровень в zapcore.Level; неизвестные значения — Info.
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Init инициализирует глобальный zap-логгер и настраивает уровень консоли.
// Допустимые уровни: debug, info (по умолчанию), warn, error. Значение
// сравнивается без учёта регистра. Потокобезопасно.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()

	logLevel.SetLevel(parseLevel(level))
	encoderCfg = defaultEncoderConfig()
	rebuildLoggerLocked()
}

// InitFile подключает файловый вывод с ротацией. Пустой путь выключает файловый core.
// Вызывается после Init; повторные вызовы заменяют предыдущий sink. Потокобезопасно.
func InitFile(cfg FileConfig) {
	mu.Lock()
	defer mu.Unlock()

	if strings.TrimSpace(cfg.Path) == "" {
		fileSink = nil
		rebuildLoggerLocked()
		return
	}

	fileLevel.SetLevel(parseLevel(cfg.Level))
	fileSink = zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
	rebuildLoggerLocked()
}

// SetWriters переназначает целевые потоки логгера и пересобирает core.
// Можно вызывать в рантайме. Nil означает Stdout/Stderr по умолчанию. Потокобезопасно.
func SetWriters(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if stdout == nil {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	} else {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(stdout))
	}
	if stderr == nil {
		stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
	} else {
		stderrWriter = zapcore.Lock(zapcore.AddSync(stderr))
	}

	rebuildLoggerLocked()
}

// Logger возвращает текущий zap.Logger, лениво создавая его при первом обращении.
// Возвращается «сырое» API (не Sugared); предпочтительнее передавать структурированные zap.Field.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if log == nil {
		rebuildLoggerLocked()
	}
	return log
}

// IsDebugEnabled проверяет, включен ли debug уровень логирования.
func IsDebugEnabled() bool {
	return Logger().Level() <= zap.DebugLevel
}

// Debug пишет структурированное сообщение уровня Debug.
func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }

// Info пишет структурированное сообщение уровня Info.
func Info(msg string, fields ...zap.Field) { Logger().Info(msg, fields...) }

// Warn пишет структурированное предупреждение уровня Warn.
func Warn(msg string, fields ...zap.Field) { Logger().Warn(msg, fields...) }

// Error пишет структурированное сообщение об ошибке уровня Error.
func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

// Fatal пишет структурированное сообщение об ошибке уровня Fatal и завершает работу приложения.
func Fatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
	_ = Logger().Sync() // Обязательно сбросить буферы перед os.Exit
	os.Exit(1)
}

// Debugf форматирует сообщение через fmt.Sprintf. Используйте экономно:
// форматирование аллоцирует; для горячих путей предпочтительны структурированные поля.
func Debugf(msg string, a ...any) { Logger().Debug(fmt.Sprintf(msg, a...)) }

// Infof форматирует сообщение через fmt.Sprintf. Для горячих путей лучше использовать Info с полями.
func Infof(msg string, a ...any) { Logger().Info(fmt.Sprintf(msg, a...)) }

// Warnf форматирует сообщение через fmt.Sprintf. Предпочтительнее передавать данные через zap.Field.
func Warnf(msg string, a ...any) { Logger().Warn(fmt.Sprintf(msg, a...)) }

// Errorf форматирует сообщение через fmt.Sprintf. В критичных участках используйте Error с полями.
func Errorf(msg string, a ...any) { Logger().Error(fmt.Sprintf(msg, a...)) }
