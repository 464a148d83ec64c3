package wal

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"
)

// WALWriter gerencia a escrita no log
type WALWriter struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	writer  *bufio.Writer
	options Options

	// Estado para Batching
	batchBytes int64 // Bytes escritos desde o último sync

	// Rastreamento de durabilidade: lastLSN é o maior LSN já escrito no
	// buffer; syncedLSN é o maior LSN garantidamente em disco (fsync).
	// Invariante: syncedLSN <= lastLSN.
	lastLSN   uint64
	syncedLSN uint64

	// Controle de Threads
	done   chan struct{}
	ticker *time.Ticker
	closed bool
}

// NewWALWriter cria um novo Writer
func NewWALWriter(path string, opts Options) (*WALWriter, error) {
	// Garante que o diretório existe
	// Nota: Em uma implementação completa de segmented WAL, gerenciariamos arquivos rotacionados.
	// Por enquanto, faremos um único arquivo append-only.

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("falha ao abrir arquivo WAL: %w", err)
	}

	w := &WALWriter{
		path:    path,
		file:    f,
		writer:  bufio.NewWriterSize(f, opts.BufferSize),
		options: opts,
		done:    make(chan struct{}),
	}

	// Inicia rotina de background sync se necessário
	if opts.SyncPolicy == SyncInterval {
		w.ticker = time.NewTicker(opts.SyncIntervalDuration)
		go w.backgroundSync()
	}

	return w, nil
}

// WriteEntry escreve uma entrada no WAL
func (w *WALWriter) WriteEntry(entry *WALEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Escreve no buffer (memória)
	n, err := entry.WriteTo(w.writer)
	if err != nil {
		return err
	}

	w.batchBytes += n
	if entry.Header.LSN > w.lastLSN {
		w.lastLSN = entry.Header.LSN
	}

	// Aplica política de Sync
	switch w.options.SyncPolicy {
	case SyncEveryWrite:
		return w.syncLocked()

	case SyncBatch:
		if w.batchBytes >= w.options.SyncBatchBytes {
			return w.syncLocked()
		}
	}

	return nil
}

// Path retorna o caminho do arquivo de log subjacente.
func (w *WALWriter) Path() string {
	return w.path
}

// Sync força a persistência em disco
func (w *WALWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

// FlushThrough garante que todo registro com LSN <= lsn está durável
// antes de retornar (regra WAL-before-data do buffer pool e regra de
// commit). Se o fsync coberto mais recente já alcança lsn, não faz nada.
func (w *WALWriter) FlushThrough(lsn uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.syncedLSN >= lsn {
		return nil
	}
	return w.syncLocked()
}

// SyncedLSN retorna o maior LSN garantidamente durável.
func (w *WALWriter) SyncedLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncedLSN
}

func (w *WALWriter) syncLocked() error {
	// Flush do buffer para o descritor de arquivo
	if err := w.writer.Flush(); err != nil {
		return err
	}

	// fsync do arquivo físico. SyncNever (modo de teste, wal_enabled=false)
	// escreve no SO mas nunca chama fsync; durabilidade fica por conta do
	// sistema operacional.
	if w.options.SyncPolicy != SyncNever {
		if err := w.file.Sync(); err != nil {
			return err
		}
	}

	w.batchBytes = 0
	w.syncedLSN = w.lastLSN
	return nil
}

// TruncateTo descarta todo registro com LSN <= lsn, avançando o início
// estável do log. Chamado após um checkpoint bem-sucedido: tudo até o
// LSN do checkpoint já está refletido no snapshot e não precisa ser
// reaplicado num recovery futuro. Reescreve o arquivo (temp + rename)
// para manter a troca atômica.
func (w *WALWriter) TruncateTo(lsn uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.syncLocked(); err != nil {
		return err
	}

	reader, err := NewWALReader(w.path)
	if err != nil {
		return err
	}

	tmpPath := w.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		reader.Close()
		return err
	}

	for {
		entry, err := reader.ReadEntry()
		if err != nil {
			// io.EOF ou cauda corrompida: fim do log útil
			break
		}
		if entry.Header.LSN > lsn {
			if _, err := entry.WriteTo(tmp); err != nil {
				ReleaseEntry(entry)
				reader.Close()
				tmp.Close()
				os.Remove(tmpPath)
				return err
			}
		}
		ReleaseEntry(entry)
	}
	reader.Close()

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// Troca o arquivo antigo pelo truncado e reabre em modo append
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	w.file = f
	w.writer = bufio.NewWriterSize(f, w.options.BufferSize)
	return nil
}

// Close fecha o arquivo e encerra rotinas
func (w *WALWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.ticker != nil {
		w.ticker.Stop()
		close(w.done)
	}

	// Último flush
	if err := w.syncLocked(); err != nil {
		w.file.Close() // Try to close anyway
		return err
	}

	return w.file.Close()
}

func (w *WALWriter) backgroundSync() {
	for {
		select {
		case <-w.ticker.C:
			w.Sync() // Thread-safe
		case <-w.done:
			return
		}
	}
}
