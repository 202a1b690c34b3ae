package ingest

import (
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Authenticator validates the shared bearer token used on /ingest (spec
// §4.1: "authenticated by a shared bearer token read from memory or a
// file path watched for changes").
type Authenticator struct {
	mu      sync.RWMutex
	token   string
	watcher *fsnotify.Watcher
	log     *zap.Logger
}

// NewAuthenticator builds an Authenticator from a literal token and/or a
// watched token file. The file, when set, takes precedence and its
// content is reloaded whenever fsnotify reports a write.
func NewAuthenticator(token, tokenFile string, log *zap.Logger) (*Authenticator, error) {
	a := &Authenticator{token: token, log: log}

	if tokenFile == "" {
		return a, nil
	}

	if err := a.loadFile(tokenFile); err != nil && log != nil {
		log.Warn("ingest: initial token file read failed", zap.String("path", tokenFile), zap.Error(err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(tokenFile); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	a.watcher = watcher

	go a.watchLoop(tokenFile)
	return a, nil
}

func (a *Authenticator) watchLoop(path string) {
	for {
		select {
		case ev, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := a.loadFile(path); err != nil && a.log != nil {
					a.log.Warn("ingest: token file reload failed", zap.Error(err))
				}
			}
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			if a.log != nil {
				a.log.Warn("ingest: token file watch error", zap.Error(err))
			}
		}
	}
}

func (a *Authenticator) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.token = strings.TrimSpace(string(data))
	a.mu.Unlock()
	return nil
}

// Check validates the raw token presented in the x-auth-token header.
// No "Bearer " prefix is stripped; the value must equal the configured
// token exactly.
func (a *Authenticator) Check(presented string) bool {
	a.mu.RLock()
	expected := a.token
	a.mu.RUnlock()
	return expected != "" && presented == expected
}

// Close stops the file watcher, if any.
func (a *Authenticator) Close() error {
	if a.watcher != nil {
		return a.watcher.Close()
	}
	return nil
}
