package mrf

import (
	"sync"
)

// PlaybackTotals суммарная длительность воспроизведения в конференцию
type PlaybackTotals struct {
	Seconds      int
	Milliseconds int
	Samples      int
}

// playRequest один вызов Conference.Play.
// current файл, завершения которого ждет запрос, remaining файлы после него.
// Пустой current означает, что запрос сейчас ничего не ждет.
type playRequest struct {
	current   string
	remaining []string
	totals    PlaybackTotals

	// sealed все файлы запроса отправлены в конференцию
	sealed bool
	done   chan PlaybackTotals
}

// playQueue очередь запросов воспроизведения по имени файла.
// Запросы с одним и тем же файлом обслуживаются в порядке постановки.
type playQueue struct {
	mu      sync.Mutex
	byFile  map[string][]*playRequest
	pending int
}

func newPlayQueue() *playQueue {
	return &playQueue{byFile: make(map[string][]*playRequest)}
}

func (q *playQueue) newRequest() *playRequest {
	return &playRequest{done: make(chan PlaybackTotals, 1)}
}

// track регистрирует файл запроса до отправки команды play
func (q *playQueue) track(req *playRequest, file string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if req.current == "" {
		req.current = file
		q.push(file, req)
		return
	}
	req.remaining = append(req.remaining, file)
}

// untrack отменяет регистрацию последнего файла, который сервер не принял
func (q *playQueue) untrack(req *playRequest, file string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n := len(req.remaining); n > 0 && req.remaining[n-1] == file {
		req.remaining = req.remaining[:n-1]
		return
	}
	if req.current == file {
		q.remove(file, req)
		req.current = ""
	}
}

// seal отмечает, что все файлы отправлены. Если запрос ничего не ждет,
// он завершается сразу.
func (q *playQueue) seal(req *playRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req.sealed = true
	if req.current == "" {
		req.done <- req.totals
	}
}

// fileDone обрабатывает play-file-done для file.
// Возвращает false, если файл не ожидается ни одним запросом.
func (q *playQueue) fileDone(file string, played PlaybackTotals) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	reqs := q.byFile[file]
	if len(reqs) == 0 {
		return false
	}
	req := reqs[0]
	q.remove(file, req)

	req.totals.Seconds += played.Seconds
	req.totals.Milliseconds += played.Milliseconds
	req.totals.Samples += played.Samples

	switch {
	case len(req.remaining) > 0:
		req.current = req.remaining[0]
		req.remaining = req.remaining[1:]
		q.push(req.current, req)
	case req.sealed:
		req.current = ""
		req.done <- req.totals
	default:
		req.current = ""
	}
	return true
}

// size количество запросов, ожидающих завершения файлов
func (q *playQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *playQueue) push(file string, req *playRequest) {
	q.byFile[file] = append(q.byFile[file], req)
	q.pending++
}

func (q *playQueue) remove(file string, req *playRequest) {
	reqs := q.byFile[file]
	for i, r := range reqs {
		if r == req {
			reqs = append(reqs[:i:i], reqs[i+1:]...)
			q.pending--
			break
		}
	}
	if len(reqs) == 0 {
		delete(q.byFile, file)
		return
	}
	q.byFile[file] = reqs
}
