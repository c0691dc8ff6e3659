package config

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes and hands the result
// to onChange. Reload failures keep the previous config. The returned
// stop function ends the watch.
func Watch(path string, onChange func(*Config)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Printf("[config] reload of %q failed: %v", path, err)
					continue
				}
				log.Printf("[config] reloaded %q", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[config] watch error: %v", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
