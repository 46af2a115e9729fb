// Package ledger содержит журнал доменных событий и реестр ордеров.
package ledger

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"dcabot/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventLedger - append-only журнал доменных событий
//
// Назначение:
// Единственный durable источник истины для восстановления состояния.
// Каждое событие пишется одной JSON-строкой; файлы разбиты по
// календарным дням (events-2024-01-15.log).
//
// Семантика ошибок:
// - Ошибка Append возвращается вызывающему: изменение состояния
//   не считается зафиксированным пока запись не прошла
// - Replay пропускает нечитаемые строки (с логированием), частичное
//   повреждение файла не блокирует восстановление остальной истории
type EventLedger struct {
	dir string

	// Текущий открытый файл и его день
	file    *os.File
	fileDay string
	mu      sync.Mutex
}

// NewEventLedger создаёт журнал в указанной директории
// Директория создаётся при необходимости; ошибка создания фатальна
// для старта (без журнала движок работать не должен)
func NewEventLedger(dir string) (*EventLedger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}
	return &EventLedger{dir: dir}, nil
}

// fileNameFor возвращает имя файла журнала для указанного дня
func fileNameFor(day string) string {
	return "events-" + day + ".log"
}

// Append дописывает событие в журнал
//
// Порядок записей монотонный: события никогда не переупорядочиваются
// при replay. Запись считается зафиксированной только после
// успешного возврата.
func (l *EventLedger) Append(event models.DomainEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	day := event.Timestamp.UTC().Format("2006-01-02")
	if day == "" || event.Timestamp.IsZero() {
		day = time.Now().UTC().Format("2006-01-02")
	}

	if err := l.rotateLocked(day); err != nil {
		return err
	}

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Запись должна пережить падение процесса сразу после возврата
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger file: %w", err)
	}

	return nil
}

// rotateLocked открывает файл текущего дня, закрывая предыдущий
// ВАЖНО: вызывается под lock'ом
func (l *EventLedger) rotateLocked(day string) error {
	if l.file != nil && l.fileDay == day {
		return nil
	}

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	path := filepath.Join(l.dir, fileNameFor(day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger file %s: %w", path, err)
	}

	l.file = f
	l.fileDay = day
	return nil
}

// Replay читает все события указанного инструмента в порядке записи
//
// Последовательность конечна и перезапускаема: повторный вызов
// заново читает неизменяемые файлы с начала. Обход останавливается
// если fn возвращает false.
func (l *EventLedger) Replay(instrument string, fn func(models.DomainEvent) bool) error {
	files, err := l.ledgerFiles()
	if err != nil {
		return err
	}

	for _, path := range files {
		stop, err := l.replayFile(path, instrument, fn)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}

	return nil
}

// ReplayAll собирает все события инструмента в слайс
// Удобная форма для восстановления проекций при старте
func (l *EventLedger) ReplayAll(instrument string) ([]models.DomainEvent, error) {
	var events []models.DomainEvent
	err := l.Replay(instrument, func(e models.DomainEvent) bool {
		events = append(events, e)
		return true
	})
	return events, err
}

// ledgerFiles возвращает файлы журнала, отсортированные по дню
// Имена вида events-YYYY-MM-DD.log сортируются лексикографически == хронологически
func (l *EventLedger) ledgerFiles() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "events-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		files = append(files, filepath.Join(l.dir, name))
	}

	sort.Strings(files)
	return files, nil
}

// replayFile читает один файл журнала
// Возвращает stop=true если fn прервала обход
func (l *EventLedger) replayFile(path, instrument string, fn func(models.DomainEvent) bool) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open ledger file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// События небольшие, но Meta коррекций может раздуть строку
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event models.DomainEvent
		if err := json.Unmarshal(line, &event); err != nil {
			// Повреждённая строка не должна блокировать восстановление
			log.Printf("[ledger] skipping malformed record %s:%d: %v", filepath.Base(path), lineNo, err)
			continue
		}

		if instrument != "" && event.Instrument != instrument {
			continue
		}

		if !fn(event) {
			return true, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("failed to read ledger file %s: %w", path, err)
	}

	return false, nil
}

// Close закрывает текущий файл журнала
func (l *EventLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
