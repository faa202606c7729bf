// notifyd — демонстрационный демон менеджера уведомлений: поднимает
// персистентное хранилище и менеджер, печатает исходящие апдейты в лог и
// применяет смену опций из .env на лету. Используется для ручной обкатки
// подсистемы без клиентского ядра.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"telegram-notifications/internal/adapters/kv"
	"telegram-notifications/internal/domain/notify"
	"telegram-notifications/internal/domain/notify/api"
	"telegram-notifications/internal/infra/config"
	"telegram-notifications/internal/infra/logger"
)

// logObserver печатает апдейты и отвечает «оффлайн» на справки об онлайне.
type logObserver struct{}

func (logObserver) EmitUpdate(u api.Update) {
	switch v := u.(type) {
	case *api.UpdateNotificationGroup:
		logger.Info("updateNotificationGroup",
			zap.Int32("group_id", int32(v.GroupID)),
			zap.String("type", v.Type.String()),
			zap.Int64("chat_id", int64(v.ChatID)),
			zap.Int32("total_count", v.TotalCount),
			zap.Int("added", len(v.AddedNotifications)),
			zap.Int("removed", len(v.RemovedNotificationIDs)))
	case *api.UpdateNotification:
		logger.Info("updateNotification",
			zap.Int32("group_id", int32(v.GroupID)),
			zap.Int32("notification_id", int32(v.Notification.ID)))
	case *api.UpdateActiveNotifications:
		logger.Info("updateActiveNotifications", zap.Int("groups", len(v.Groups)))
	case *api.UpdateHavePendingNotifications:
		logger.Info("updateHavePendingNotifications",
			zap.Bool("have_delayed", v.HaveDelayed),
			zap.Bool("have_unreceived", v.HaveUnreceived))
	}
}

func (logObserver) DialogOnlineTime(api.DialogID) time.Time { return time.Time{} }

func (logObserver) WriteContactRegisteredDisabled(context.Context, bool) error { return nil }

func main() {
	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	env := config.Env()

	logger.Init(env.LogLevel)
	logger.InitFile(logger.FileConfig{
		Path:       env.LogFile,
		Level:      env.LogFileLevel,
		MaxSizeMB:  env.LogFileMaxSize,
		MaxBackups: env.LogFileMaxBackups,
		MaxAgeDays: env.LogFileMaxAge,
		Compress:   env.LogFileCompress,
	})
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := kv.Open(env.DBFile)
	if err != nil {
		logger.Fatal("failed to open kv store", zap.Error(err))
	}

	mgr := notify.New(notify.Options{
		Observer:                   logObserver{},
		Storage:                    store,
		GroupCountMax:              env.Notifications.GroupCountMax,
		GroupSizeMax:               env.Notifications.GroupSizeMax,
		OnlineCloudTimeoutMS:       env.Notifications.OnlineCloudTimeoutMS,
		NotificationCloudDelayMS:   env.Notifications.NotificationCloudDelayMS,
		NotificationDefaultDelayMS: env.Notifications.NotificationDefaultDelayMS,
	})
	if err := mgr.Start(ctx); err != nil {
		_ = store.Close()
		logger.Fatal("failed to start notification manager", zap.Error(err))
	}

	// Горячая смена опций: наблюдатель .env транслирует изменения в хуки.
	go func() {
		watchErr := config.Watch(ctx, func(old, updated config.NotificationOptions) {
			if old.GroupCountMax != updated.GroupCountMax {
				mgr.OnNotificationGroupCountMaxChanged(updated.GroupCountMax, true)
			}
			if old.GroupSizeMax != updated.GroupSizeMax {
				mgr.OnNotificationGroupSizeMaxChanged(updated.GroupSizeMax)
			}
			if old.OnlineCloudTimeoutMS != updated.OnlineCloudTimeoutMS {
				mgr.OnOnlineCloudTimeoutChanged(updated.OnlineCloudTimeoutMS)
			}
			if old.NotificationCloudDelayMS != updated.NotificationCloudDelayMS {
				mgr.OnNotificationCloudDelayChanged(updated.NotificationCloudDelayMS)
			}
			if old.NotificationDefaultDelayMS != updated.NotificationDefaultDelayMS {
				mgr.OnNotificationDefaultDelayChanged(updated.NotificationDefaultDelayMS)
			}
		})
		if watchErr != nil {
			logger.Warn("config watch disabled", zap.Error(watchErr))
		}
	}()

	// Синтетическая нагрузка: по тикеру подбрасываем уведомление в демо-диалог,
	// чтобы видеть полный цикл флаша и доставки.
	go func() {
		const demoDialog = api.DialogID(1)
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		groupID := mgr.NextNotificationGroupID()
		var messageID api.MessageID
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				messageID++
				mgr.AddNotification(groupID, api.GroupTypeMessages, demoDialog,
					int32(time.Now().Unix()), demoDialog, false, 0,
					mgr.NextNotificationID(), api.TypeNewMessage{MessageID: messageID})
			}
		}
	}()

	logger.Info("notifyd started", zap.String("db", env.DBFile))
	<-ctx.Done()

	// Graceful: дожать буферы и окна апдейтов, затем закрыть ресурсы.
	mgr.FlushAllNotifications()
	mgr.Sync()
	if err := multierr.Append(mgr.Close(), store.Close()); err != nil {
		logger.Error("shutdown errors", zap.Error(err))
	}
	logger.Info("graceful shutdown complete")
}
