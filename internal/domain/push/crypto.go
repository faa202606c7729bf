// Package push — разбор пуш-пейлоадов: расшифровка серверного конверта,
// извлечение идентификатора получателя и проекция loc_key/loc_args в
// каноническое действие. Пакет не трогает состояние менеджера; его функции
// чистые и пригодны для прямого тестирования round-trip'ом.
//
// Конверт (после base64url-декодирования поля "p"):
//
//	receiver_id:int64 LE | msg_key:16 байт | ciphertext (AES-256-IGE)
//
// Ключи считаются по схеме MTProto v2 (x = 8):
//
//	a   = SHA256(msg_key ‖ auth_key[8:44])
//	b   = SHA256(auth_key[48:84] ‖ msg_key)
//	key = a[0:8] ‖ b[8:24] ‖ a[24:32]
//	iv  = b[0:8] ‖ a[8:24] ‖ b[24:32]
//	msg_key = SHA256(auth_key[96:128] ‖ plaintext)[8:24]
//
// Открытый текст: len:int32 LE | payload | случайный паддинг (длина кратна 16,
// паддинг не короче 12 байт).
package push

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/gotd/ige"
)

// Ошибки слоя расшифровки. WrongReceiver и InvalidPayload всплывают к вызывающему
// process_push_notification; остальные случаи заворачиваются в InvalidPayload.
var (
	ErrWrongReceiver  = errors.New("push: wrong receiver")
	ErrInvalidPayload = errors.New("push: invalid payload")
)

const (
	// authKeySize — размер пуш-ключа шифрования, как у auth key MTProto.
	authKeySize = 256
	// msgKeySize — ширина проверочного ключа сообщения.
	msgKeySize = 16
	// envelopeMin — receiver_id + msg_key + минимум один блок AES.
	envelopeMin = 8 + msgKeySize + aes.BlockSize
	// minPadding — нижняя граница случайного паддинга открытого текста.
	minPadding = 12
	// kdfOffset — смещение x в KDF; сторона сервер→клиент.
	kdfOffset = 8
)

// pushKDF разворачивает (auth_key, msg_key) в ключ и IV для AES-IGE.
func pushKDF(authKey, msgKey []byte) (key, iv [32]byte) {
	var a, b [sha256.Size]byte

	h := sha256.New()
	h.Write(msgKey)
	h.Write(authKey[kdfOffset : kdfOffset+36])
	h.Sum(a[:0])

	h.Reset()
	h.Write(authKey[40+kdfOffset : 40+kdfOffset+36])
	h.Write(msgKey)
	h.Sum(b[:0])

	copy(key[0:8], a[0:8])
	copy(key[8:24], b[8:24])
	copy(key[24:32], a[24:32])

	copy(iv[0:8], b[0:8])
	copy(iv[8:24], a[8:24])
	copy(iv[24:32], b[24:32])
	return key, iv
}

// computeMsgKey считает msg_key открытого текста по правилу MTProto v2.
func computeMsgKey(authKey, plaintext []byte) []byte {
	h := sha256.New()
	h.Write(authKey[88+kdfOffset : 88+kdfOffset+32])
	h.Write(plaintext)
	sum := h.Sum(nil)
	return sum[8:24]
}

// extractP достаёт поле "p" из JSON-обёртки пуша. Пустая строка — поля нет.
func extractP(payload string) (string, error) {
	var p string
	d := jx.DecodeStr(payload)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		if key == "p" {
			v, err := d.Str()
			if err != nil {
				return err
			}
			p = v
			return nil
		}
		return d.Skip()
	}); err != nil {
		return "", errors.Wrap(ErrInvalidPayload, "parse envelope json")
	}
	return p, nil
}

// GetPushReceiverID — чистая функция над ведущими байтами конверта: для
// зашифрованного пуша читает receiver_id без ключа, для открытого —
// поле user_id. Возвращает 0, если пейлоад не адресован конкретному аккаунту.
func GetPushReceiverID(payload string) (int64, error) {
	p, err := extractP(payload)
	if err != nil {
		return 0, err
	}
	if p != "" {
		raw, decErr := base64.RawURLEncoding.DecodeString(p)
		if decErr != nil {
			return 0, errors.Wrap(ErrInvalidPayload, "decode envelope base64")
		}
		if len(raw) < 8 {
			return 0, errors.Wrap(ErrInvalidPayload, "envelope too short")
		}
		return int64(binary.LittleEndian.Uint64(raw[:8])), nil
	}

	// Открытый пуш: ищем user_id в корне объекта.
	var userID int64
	d := jx.DecodeStr(payload)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		if key == "user_id" {
			v, parseErr := flexInt64(d)
			if parseErr != nil {
				return parseErr
			}
			userID = v
			return nil
		}
		return d.Skip()
	}); err != nil {
		return 0, errors.Wrap(ErrInvalidPayload, "parse plain payload")
	}
	return userID, nil
}

// DecryptPush расшифровывает конверт пуша ключом key (256 байт) и возвращает
// внутренний JSON. Несовпадение msg_key или рваная структура — InvalidPayload.
func DecryptPush(keyID int64, key []byte, payload string) (string, error) {
	p, err := extractP(payload)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", errors.Wrap(ErrInvalidPayload, "no encrypted envelope")
	}
	raw, err := base64.RawURLEncoding.DecodeString(p)
	if err != nil {
		return "", errors.Wrap(ErrInvalidPayload, "decode envelope base64")
	}
	return decryptPayload(key, raw)
}

// decryptPayload выполняет фактическую расшифровку бинарного конверта.
func decryptPayload(authKey, raw []byte) (string, error) {
	if len(authKey) != authKeySize {
		return "", errors.Wrapf(ErrInvalidPayload, "bad key size %d", len(authKey))
	}
	if len(raw) < envelopeMin {
		return "", errors.Wrap(ErrInvalidPayload, "envelope too short")
	}
	msgKey := raw[8 : 8+msgKeySize]
	ciphertext := raw[8+msgKeySize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.Wrap(ErrInvalidPayload, "ciphertext not block aligned")
	}

	key, iv := pushKDF(authKey, msgKey)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", errors.Wrap(err, "init aes")
	}
	plaintext := make([]byte, len(ciphertext))
	ige.NewIGEDecrypter(block, iv[:]).CryptBlocks(plaintext, ciphertext)

	if subtle.ConstantTimeCompare(computeMsgKey(authKey, plaintext), msgKey) != 1 {
		return "", errors.Wrap(ErrInvalidPayload, "msg_key mismatch")
	}

	length := int(int32(binary.LittleEndian.Uint32(plaintext[:4])))
	if length < 0 || length+4 > len(plaintext) {
		return "", errors.Wrap(ErrInvalidPayload, "bad inner length")
	}
	return string(plaintext[4 : 4+length]), nil
}

// EncryptPush собирает зашифрованный конверт для получателя receiver.
// Обратная операция к DecryptPush; используется сервером и тестами round-trip.
func EncryptPush(receiver int64, key []byte, payload string) (string, error) {
	if len(key) != authKeySize {
		return "", errors.Wrapf(ErrInvalidPayload, "bad key size %d", len(key))
	}

	inner := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(inner[:4], uint32(int32(len(payload))))
	copy(inner[4:], payload)

	// Паддинг: не короче minPadding и до кратности блоку AES.
	pad := minPadding
	if rem := (len(inner) + pad) % aes.BlockSize; rem != 0 {
		pad += aes.BlockSize - rem
	}
	padding := make([]byte, pad)
	if _, err := rand.Read(padding); err != nil {
		return "", errors.Wrap(err, "generate padding")
	}
	plaintext := append(inner, padding...)

	msgKey := computeMsgKey(key, plaintext)
	aesKey, iv := pushKDF(key, msgKey)
	block, err := aes.NewCipher(aesKey[:])
	if err != nil {
		return "", errors.Wrap(err, "init aes")
	}
	ciphertext := make([]byte, len(plaintext))
	ige.NewIGEEncrypter(block, iv[:]).CryptBlocks(ciphertext, plaintext)

	envelope := make([]byte, 0, 8+msgKeySize+len(ciphertext))
	var rid [8]byte
	binary.LittleEndian.PutUint64(rid[:], uint64(receiver))
	envelope = append(envelope, rid[:]...)
	envelope = append(envelope, msgKey...)
	envelope = append(envelope, ciphertext...)

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("p")
	e.Str(base64.RawURLEncoding.EncodeToString(envelope))
	e.ObjEnd()
	return e.String(), nil
}
