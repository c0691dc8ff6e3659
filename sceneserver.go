package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/mogri/sceneserver/config"
	"github.com/mogri/sceneserver/plugin/generators"
	"github.com/mogri/sceneserver/render/softpath"
	"github.com/mogri/sceneserver/server"
	"github.com/mogri/sceneserver/status"
)

func main() {
	var addr, cfgpath, scratch string
	var keepFiles, dumpMessages, abortOnError bool
	flag.StringVar(&addr, "i", "", "Address of server (overrides config)")
	flag.StringVar(&cfgpath, "config", "sceneserver.yaml", "Path to config file")
	flag.StringVar(&scratch, "scratch", "", "Scratch directory for framebuffer files (overrides config)")
	flag.BoolVar(&keepFiles, "keepfiles", false, "Keep framebuffer files after streaming")
	flag.BoolVar(&dumpMessages, "dumpmessages", false, "Dump every decoded client message")
	flag.BoolVar(&abortOnError, "abortonerror", false, "Exit on the first render backend error")
	flag.Parse()

	cfg, err := config.Load(cfgpath)
	if err != nil {
		log.Fatal(err)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if scratch != "" {
		cfg.ScratchDir = scratch
	}
	if keepFiles {
		cfg.KeepFramebufferFiles = true
	}
	if dumpMessages {
		cfg.DumpClientMessages = true
	}
	if abortOnError {
		cfg.AbortOnRenderError = true
	}

	dev := softpath.New()
	dev.SetStatusHandler(func(msg string) {
		log.Printf("[render] %s", msg)
		status.Info("%s", msg)
	})

	srv := server.New(cfg, dev, generators.Loader{})

	dev.SetErrorHandler(func(err error) {
		log.Printf("[render] error: %v", err)
		status.Error("%v", err)
		if srv.Config().AbortOnRenderError {
			os.Exit(1)
		}
	})

	if _, err := os.Stat(cfgpath); err == nil {
		stop, err := config.Watch(cfgpath, func(next *config.Config) {
			srv.UpdateConfig(next)
		})
		if err != nil {
			log.Printf("[config] cannot watch %q: %v", cfgpath, err)
		} else {
			defer stop()
		}
	}

	if err := srv.Run(context.Background()); err != nil {
		log.Fatal(err)
	}
}
