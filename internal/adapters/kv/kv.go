// Package kv — персистентное key-value хранилище менеджера уведомлений поверх
// bbolt. Сервис отвечает за:
//   - открытие/закрытие файла базы данных;
//   - сводки групп (бакет groups) и счётчики аллокатора (бакет meta);
//   - исторические уведомления, листаемые по убыванию id (бакет notifications,
//     вложенный бакет на группу);
//   - таблицу виденных анонсов и флаг contact-registered (meta/announcements).
//
// Менеджер сам не пишет отдельные уведомления — их материализует основной путь
// синхронизации через SeedNotifications.
package kv

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"

	"telegram-notifications/internal/domain/notify"
	"telegram-notifications/internal/domain/notify/api"
	"telegram-notifications/internal/infra/storage"
)

const (
	groupsBucketName        = "groups"
	notificationsBucketName = "notifications"
	announcementsBucketName = "announcements"
	metaBucketName          = "meta"

	dbOpenTimeout             = time.Second
	dbFileMode    os.FileMode = 0o600
)

var (
	groupsBucket        = []byte(groupsBucketName)
	notificationsBucket = []byte(notificationsBucketName)
	announcementsBucket = []byte(announcementsBucketName)
	metaBucket          = []byte(metaBucketName)

	keyNotificationID      = []byte("notification_id_current")
	keyNotificationGroupID = []byte("notification_group_id_current")
	keyContactRegistered   = []byte("contact_registered_disabled")
)

// Store реализует notify.Storage поверх bbolt.
type Store struct {
	db *bbolt.DB
}

// компилятор проверяет соответствие порту.
var _ notify.Storage = (*Store)(nil)

// Open открывает (создавая при необходимости) файл базы и бакеты.
func Open(path string) (*Store, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, errors.Wrap(err, "kv: ensure dir")
	}
	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "kv: open db")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{groupsBucket, notificationsBucket, announcementsBucket, metaBucket} {
			if _, bErr := tx.CreateBucketIfNotExists(name); bErr != nil {
				return bErr
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "kv: init buckets")
	}
	return &Store{db: db}, nil
}

// Close закрывает файл базы данных.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// groupKey кодирует id группы в упорядоченный байтовый ключ.
func groupKey(id api.NotificationGroupID) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(int32(id)))
	return b[:]
}

// notifKey кодирует id уведомления; big-endian сохраняет порядок курсора.
func notifKey(id api.NotificationID) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(int32(id)))
	return b[:]
}

// groupRow — сериализуемая форма notify.GroupRow.
type groupRow struct {
	GroupID  int32 `json:"group_id"`
	DialogID int64 `json:"dialog_id"`
	Type     int32 `json:"type"`
	LastDate int32 `json:"last_date"`
	LastID   int32 `json:"last_id"`
	Total    int32 `json:"total"`
}

func toGroupRow(r notify.GroupRow) groupRow {
	return groupRow{
		GroupID:  int32(r.GroupID),
		DialogID: int64(r.DialogID),
		Type:     int32(r.Type),
		LastDate: r.LastNotificationDate,
		LastID:   int32(r.LastNotificationID),
		Total:    r.TotalCount,
	}
}

func fromGroupRow(r groupRow) notify.GroupRow {
	return notify.GroupRow{
		GroupID:              api.NotificationGroupID(r.GroupID),
		DialogID:             api.DialogID(r.DialogID),
		Type:                 api.NotificationGroupType(r.Type),
		LastNotificationDate: r.LastDate,
		LastNotificationID:   api.NotificationID(r.LastID),
		TotalCount:           r.Total,
	}
}

// LoadCounters читает счётчики аллокатора; отсутствие записей — нули.
func (s *Store) LoadCounters() (notify.Counters, error) {
	var c notify.Counters
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if v := b.Get(keyNotificationID); len(v) == 4 {
			c.NotificationID = int32(binary.BigEndian.Uint32(v))
		}
		if v := b.Get(keyNotificationGroupID); len(v) == 4 {
			c.NotificationGroupID = int32(binary.BigEndian.Uint32(v))
		}
		return nil
	})
	if err != nil {
		return notify.Counters{}, errors.Wrap(err, "kv: load counters")
	}
	return c, nil
}

// SaveCounters сохраняет счётчики аллокатора.
func (s *Store) SaveCounters(c notify.Counters) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], uint32(c.NotificationID))
		if err := b.Put(keyNotificationID, append([]byte(nil), v[:]...)); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(v[:], uint32(c.NotificationGroupID))
		return b.Put(keyNotificationGroupID, append([]byte(nil), v[:]...))
	})
	if err != nil {
		return errors.Wrap(err, "kv: save counters")
	}
	return nil
}

// LoadGroups возвращает до limit сводок с наибольшим ключом (дата, id) по
// убыванию. Групп немного, поэтому честная сортировка после полного скана.
func (s *Store) LoadGroups(limit int) ([]notify.GroupRow, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []notify.GroupRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(groupsBucket).ForEach(func(_, v []byte) error {
			var r groupRow
			if jErr := json.Unmarshal(v, &r); jErr != nil {
				return jErr
			}
			rows = append(rows, fromGroupRow(r))
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "kv: load groups")
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].LastNotificationDate != rows[j].LastNotificationDate {
			return rows[i].LastNotificationDate > rows[j].LastNotificationDate
		}
		return rows[i].GroupID > rows[j].GroupID
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// LoadGroup возвращает сводку группы; nil без ошибки, если записи нет.
func (s *Store) LoadGroup(id api.NotificationGroupID) (*notify.GroupRow, error) {
	var out *notify.GroupRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(groupsBucket).Get(groupKey(id))
		if v == nil {
			return nil
		}
		var r groupRow
		if jErr := json.Unmarshal(v, &r); jErr != nil {
			return jErr
		}
		row := fromGroupRow(r)
		out = &row
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "kv: load group")
	}
	return out, nil
}

// SaveGroup сохраняет сводку группы.
func (s *Store) SaveGroup(row notify.GroupRow) error {
	data, err := json.Marshal(toGroupRow(row))
	if err != nil {
		return errors.Wrap(err, "kv: marshal group")
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(groupsBucket).Put(groupKey(row.GroupID), data)
	})
	if err != nil {
		return errors.Wrap(err, "kv: save group")
	}
	return nil
}

// DeleteGroup удаляет сводку и историю группы.
func (s *Store) DeleteGroup(id api.NotificationGroupID) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if dErr := tx.Bucket(groupsBucket).Delete(groupKey(id)); dErr != nil {
			return dErr
		}
		nb := tx.Bucket(notificationsBucket)
		if nb.Bucket(groupKey(id)) != nil {
			return nb.DeleteBucket(groupKey(id))
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "kv: delete group")
	}
	return nil
}

// LoadNotifications листает историю группы по убыванию id строго ниже
// beforeID (0 — с самого конца), не больше limit записей.
func (s *Store) LoadNotifications(groupID api.NotificationGroupID, beforeID api.NotificationID, limit int) ([]api.Notification, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []api.Notification
	err := s.db.View(func(tx *bbolt.Tx) error {
		gb := tx.Bucket(notificationsBucket).Bucket(groupKey(groupID))
		if gb == nil {
			return nil
		}
		c := gb.Cursor()
		var k, v []byte
		if beforeID.IsValid() {
			k, v = c.Seek(notifKey(beforeID))
			if k != nil {
				k, v = c.Prev()
			} else {
				k, v = c.Last()
			}
			// Seek мог встать ровно на beforeID — Prev уже ушёл ниже; если же
			// Seek встал выше, Prev мог вернуть сам beforeID.
			for k != nil && api.NotificationID(int32(binary.BigEndian.Uint32(k))) >= beforeID {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}
		for ; k != nil && len(out) < limit; k, v = c.Prev() {
			n, dErr := decodeNotification(v)
			if dErr != nil {
				return dErr
			}
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "kv: load notifications")
	}
	return out, nil
}

// SeedNotifications записывает исторические уведомления группы. Вызывается
// материализующей стороной (основной путь синхронизации), не менеджером.
func (s *Store) SeedNotifications(groupID api.NotificationGroupID, notifications []api.Notification) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		gb, bErr := tx.Bucket(notificationsBucket).CreateBucketIfNotExists(groupKey(groupID))
		if bErr != nil {
			return bErr
		}
		for i := range notifications {
			data, eErr := encodeNotification(notifications[i])
			if eErr != nil {
				return eErr
			}
			if pErr := gb.Put(notifKey(notifications[i].ID), data); pErr != nil {
				return pErr
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "kv: seed notifications")
	}
	return nil
}

// LoadAnnouncements читает таблицу «анонс -> дата первого появления».
func (s *Store) LoadAnnouncements() (map[int32]int32, error) {
	out := make(map[int32]int32)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(announcementsBucket).ForEach(func(k, v []byte) error {
			if len(k) == 4 && len(v) == 4 {
				out[int32(binary.BigEndian.Uint32(k))] = int32(binary.BigEndian.Uint32(v))
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "kv: load announcements")
	}
	return out, nil
}

// SaveAnnouncements перезаписывает таблицу анонсов целиком (она мала и уже
// очищена от просроченных записей вызывающим).
func (s *Store) SaveAnnouncements(m map[int32]int32) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if dErr := tx.DeleteBucket(announcementsBucket); dErr != nil {
			return dErr
		}
		b, cErr := tx.CreateBucket(announcementsBucket)
		if cErr != nil {
			return cErr
		}
		for id, date := range m {
			var k, v [4]byte
			binary.BigEndian.PutUint32(k[:], uint32(id))
			binary.BigEndian.PutUint32(v[:], uint32(date))
			if pErr := b.Put(append([]byte(nil), k[:]...), append([]byte(nil), v[:]...)); pErr != nil {
				return pErr
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "kv: save announcements")
	}
	return nil
}

// LoadContactRegisteredFlag читает флаг contact-registered; ok=false — флаг
// никогда не писался.
func (s *Store) LoadContactRegisteredFlag() (bool, bool, error) {
	var value, ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(keyContactRegistered)
		if v == nil {
			return nil
		}
		ok = true
		value = len(v) == 1 && v[0] == 1
		return nil
	})
	if err != nil {
		return false, false, errors.Wrap(err, "kv: load contact flag")
	}
	return value, ok, nil
}

// SaveContactRegisteredFlag сохраняет флаг contact-registered.
func (s *Store) SaveContactRegisteredFlag(value bool) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		v := []byte{0}
		if value {
			v[0] = 1
		}
		return tx.Bucket(metaBucket).Put(keyContactRegistered, v)
	})
	if err != nil {
		return errors.Wrap(err, "kv: save contact flag")
	}
	return nil
}
