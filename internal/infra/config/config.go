// Пакет config отвечает за сбор и предоставление конфигурации менеджера
// уведомлений. Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения (клампит числовые опции
//     в допустимые диапазоны, накапливая предупреждения),
//  3. предоставляет потокобезопасный доступ к результатам через R/W мьютекс,
//  4. умеет следить за файлом .env (fsnotify) и сообщать подписчику о смене
//     опций уведомлений на лету.
//
// Бизнес-контекст: числовые «ручки» управляют размером активного множества
// групп уведомлений, числом уведомлений в группе и задержками доставки;
// их смена в рантайме транслируется в хуки менеджера.
package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"telegram-notifications/internal/infra/logger"
)

// Пределы числовых опций уведомлений. Значения вне диапазона клампятся,
// а не отвергаются: частично корректный конфиг лучше отказа в старте.
const (
	MinGroupCountMax = 0
	MaxGroupCountMax = 25
	MinGroupSizeMax  = 1
	MaxGroupSizeMax  = 25
)

// Значения по умолчанию для параметров окружения и связанных файлов.
const (
	defaultGroupCountMax            = 0
	defaultGroupSizeMax             = 10
	defaultOnlineCloudTimeoutMS     = 300000
	defaultNotificationCloudDelayMS = 30000
	defaultNotificationDefaultDelay = 1500
	defaultLogLevel                 = "info"
	defaultDBFile                   = "data/notifications.bbolt"
	// Файловое логирование (LOG_FILE не имеет дефолта — должен быть явно указан для активации)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

// NotificationOptions — пять числовых «ручек» менеджера уведомлений:
// размер активного множества, размер группы и задержки доставки.
type NotificationOptions struct {
	GroupCountMax              int // число активных групп, [0..25]
	GroupSizeMax               int // уведомлений на группу, [1..25]
	OnlineCloudTimeoutMS       int // окно «чат недавно был онлайн», >=0
	NotificationCloudDelayMS   int // задержка доставки при онлайне, >=1
	NotificationDefaultDelayMS int // задержка доставки иначе, >=1
}

// EnvConfig описывает параметры, приходящие из окружения (.env). Это
// «операционные» настройки запуска: путь к базе, лог-уровень, файловое
// логирование и опции уведомлений.
//
// NB: значения уже проходят валидацию и нормализацию в loadConfig.
type EnvConfig struct {
	LogLevel string
	DBFile   string

	Notifications NotificationOptions

	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock. Перезагрузка (.env watch)
// держит эксклюзивный Lock на время обновления полей.
type Config struct {
	Env      EnvConfig
	envPath  string
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

var (
	cfgInstance *Config
	cfgMu       sync.Mutex
)

// Load читает .env по указанному пути и инициализирует глобальный конфиг.
// Отсутствие файла не фатально: значения берутся из окружения процесса.
func Load(envPath string) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	cfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = cfg
	return nil
}

// Env возвращает снимок текущей конфигурации окружения.
func Env() EnvConfig {
	cfgMu.Lock()
	cfg := cfgInstance
	cfgMu.Unlock()
	if cfg == nil {
		return EnvConfig{}
	}
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.Env
}

// Warnings возвращает предупреждения, накопленные при последней загрузке.
func Warnings() []string {
	cfgMu.Lock()
	cfg := cfgInstance
	cfgMu.Unlock()
	if cfg == nil {
		return nil
	}
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	out := make([]string, len(cfg.warnings))
	copy(out, cfg.warnings)
	return out
}

// loadConfig выполняет фактическое чтение .env и сборку EnvConfig.
func loadConfig(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Overload(envPath); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "load env file %s", envPath)
		}
	}

	cfg := &Config{envPath: envPath}
	cfg.Env = EnvConfig{
		LogLevel: getString("LOG_LEVEL", defaultLogLevel),
		DBFile:   getString("DB_FILE", defaultDBFile),

		Notifications: cfg.readNotificationOptions(),

		LogFile:           getString("LOG_FILE", ""),
		LogFileLevel:      getString("LOG_FILE_LEVEL", defaultLogFileLevel),
		LogFileMaxSize:    cfg.getInt("LOG_FILE_MAX_SIZE", defaultLogFileMaxSize),
		LogFileMaxBackups: cfg.getInt("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups),
		LogFileMaxAge:     cfg.getInt("LOG_FILE_MAX_AGE", defaultLogFileMaxAge),
		LogFileCompress:   getBool("LOG_FILE_COMPRESS", defaultLogFileCompress),
	}
	return cfg, nil
}

// readNotificationOptions читает и клампит пять опций уведомлений.
func (c *Config) readNotificationOptions() NotificationOptions {
	opts := NotificationOptions{
		GroupCountMax:              c.getInt("NOTIFICATION_GROUP_COUNT_MAX", defaultGroupCountMax),
		GroupSizeMax:               c.getInt("NOTIFICATION_GROUP_SIZE_MAX", defaultGroupSizeMax),
		OnlineCloudTimeoutMS:       c.getInt("ONLINE_CLOUD_TIMEOUT_MS", defaultOnlineCloudTimeoutMS),
		NotificationCloudDelayMS:   c.getInt("NOTIFICATION_CLOUD_DELAY_MS", defaultNotificationCloudDelayMS),
		NotificationDefaultDelayMS: c.getInt("NOTIFICATION_DEFAULT_DELAY_MS", defaultNotificationDefaultDelay),
	}
	opts.GroupCountMax = c.clamp("NOTIFICATION_GROUP_COUNT_MAX", opts.GroupCountMax, MinGroupCountMax, MaxGroupCountMax)
	opts.GroupSizeMax = c.clamp("NOTIFICATION_GROUP_SIZE_MAX", opts.GroupSizeMax, MinGroupSizeMax, MaxGroupSizeMax)
	opts.OnlineCloudTimeoutMS = c.clamp("ONLINE_CLOUD_TIMEOUT_MS", opts.OnlineCloudTimeoutMS, 0, 1<<30)
	opts.NotificationCloudDelayMS = c.clamp("NOTIFICATION_CLOUD_DELAY_MS", opts.NotificationCloudDelayMS, 1, 1<<30)
	opts.NotificationDefaultDelayMS = c.clamp("NOTIFICATION_DEFAULT_DELAY_MS", opts.NotificationDefaultDelayMS, 1, 1<<30)
	return opts
}

// clamp приводит значение в [lo, hi], запоминая предупреждение о корректировке.
func (c *Config) clamp(name string, v, lo, hi int) int {
	switch {
	case v < lo:
		c.warnings = append(c.warnings, name+": value below minimum, clamped to "+strconv.Itoa(lo))
		return lo
	case v > hi:
		c.warnings = append(c.warnings, name+": value above maximum, clamped to "+strconv.Itoa(hi))
		return hi
	default:
		return v
	}
}

// getString читает строковую переменную окружения с дефолтом.
func getString(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

// getInt читает целочисленную переменную; нечисловое значение даёт дефолт и предупреждение.
func (c *Config) getInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.warnings = append(c.warnings, name+": not an integer, using default "+strconv.Itoa(def))
		return def
	}
	return n
}

// getBool читает булеву переменную; распознаёт true/false/1/0/yes/no.
func getBool(name string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// OnOptionsChanged вызывается наблюдателем файла при смене опций уведомлений.
// old и new — снимки до и после перечитывания.
type OnOptionsChanged func(old, new NotificationOptions)

// Watch следит за файлом .env через fsnotify и при его изменении перечитывает
// конфигурацию. Если опции уведомлений изменились, вызывает onChange.
// Блокируется до отмены контекста; запускать в отдельной горутине.
//
// Редакторы часто пишут файл через rename, поэтому подписка ведётся на каталог,
// а события фильтруются по имени файла.
func Watch(ctx context.Context, onChange OnOptionsChanged) error {
	cfgMu.Lock()
	cfg := cfgInstance
	cfgMu.Unlock()
	if cfg == nil || cfg.envPath == "" {
		return errors.New("config: nothing to watch, Load first")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fsnotify watcher")
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(cfg.envPath)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watch dir %s", dir)
	}
	base := filepath.Base(cfg.envPath)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			applyReload(cfg, onChange)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// applyReload перечитывает .env и уведомляет подписчика при смене опций.
func applyReload(cfg *Config, onChange OnOptionsChanged) {
	fresh, err := loadConfig(cfg.envPath)
	if err != nil {
		logger.Warn("config reload failed", zap.Error(err))
		return
	}

	cfg.mu.Lock()
	old := cfg.Env.Notifications
	cfg.Env = fresh.Env
	cfg.warnings = fresh.warnings
	updated := cfg.Env.Notifications
	cfg.mu.Unlock()

	if old != updated {
		logger.Info("notification options changed",
			zap.Int("group_count_max", updated.GroupCountMax),
			zap.Int("group_size_max", updated.GroupSizeMax))
		if onChange != nil {
			onChange(old, updated)
		}
	}
}
