// Package storage — утилиты безопасной работы с локальным хранилищем.
// Здесь живёт EnsureDir — гарантия наличия каталога для целевого файла
// (используется при открытии файла базы данных уведомлений).
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDir гарантирует наличие каталога для указанного файла.
// Если путь не содержит директорию ("." или пустая строка), ничего не делает.
// Создание выполняется с правами 0o700, ошибки оборачиваются с указанием каталога.
func EnsureDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}
