package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/archhq/arch/internal/log"
	"github.com/archhq/arch/internal/mcp"
)

// AnswersDir is where `arch answer` drops escalation replies. Each file
// is named after the decision id and holds the answer, either as plain
// text or as {"answer": "..."}.
const AnswersDir = "answers"

// answerWatcher delivers operator answers written by a second process
// into the blocked escalate_to_user calls.
type answerWatcher struct {
	dir     string
	server  *mcp.Server
	watcher *fsnotify.Watcher

	closeOnce sync.Once
	done      chan struct{}
}

// watchAnswers creates the answers directory, sweeps anything already
// there, and starts watching for new files.
func watchAnswers(stateDir string, server *mcp.Server) (*answerWatcher, error) {
	dir := filepath.Join(stateDir, AnswersDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &answerWatcher{
		dir:     dir,
		server:  server,
		watcher: fsw,
		done:    make(chan struct{}),
	}
	w.sweep()
	go w.loop()
	return w, nil
}

func (w *answerWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				w.deliver(ev.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatOrch, "Answer watcher error", "error", err.Error())
		}
	}
}

// sweep handles answers written while the harness was not watching.
func (w *answerWatcher) sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.deliver(filepath.Join(w.dir, entry.Name()))
		}
	}
}

// deliver reads one answer file, resolves the escalation, and removes
// the file. The decision id is the file name with any extension
// stripped.
func (w *answerWatcher) deliver(path string) {
	buf, err := os.ReadFile(path) //nolint:gosec // G304: path is inside our answers dir
	if err != nil {
		return
	}

	answer := strings.TrimSpace(string(buf))
	var wrapped struct {
		Answer string `json:"answer"`
	}
	if json.Unmarshal(buf, &wrapped) == nil && wrapped.Answer != "" {
		answer = wrapped.Answer
	}
	if answer == "" {
		return
	}

	name := filepath.Base(path)
	decisionID := strings.TrimSuffix(name, filepath.Ext(name))
	if w.server.AnswerEscalation(decisionID, answer) {
		log.Info(log.CatOrch, "Escalation answered", "decisionID", decisionID)
		_ = os.Remove(path)
	} else {
		log.Warn(log.CatOrch, "Answer for unknown decision", "decisionID", decisionID)
	}
}

// Close stops the watcher and waits for the loop to drain.
func (w *answerWatcher) Close() {
	w.closeOnce.Do(func() {
		_ = w.watcher.Close()
		<-w.done
	})
}
