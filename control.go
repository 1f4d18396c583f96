package mmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ofsmmd/mmd/config"
	"github.com/sirupsen/logrus"
)

// Control owns a running Manager and everything started alongside it.
type Control struct {
	m          *Manager
	l          *logrus.Logger
	c          *config.C
	ctx        context.Context
	cancel     context.CancelFunc
	statsStart func()
}

// Start begins serving stats and watching for config reloads. This is a
// nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	c.c.CatchHUP(c.ctx)

	if c.statsStart != nil {
		go c.statsStart()
	}
}

// Stop frees every allocation, closes every device and returns once that is
// done.
func (c *Control) Stop() {
	c.cancel()

	if err := c.m.CloseAll(); err != nil {
		c.l.WithError(err).Error("Failed to release every device")
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock waits for SIGTERM or SIGINT and then calls Stop. It also
// returns, without stopping, when Stop was called elsewhere.
func (c *Control) ShutdownBlock() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		c.l.WithField("signal", sig.String()).Info("Caught signal, shutting down")
		c.Stop()
	case <-c.ctx.Done():
	}
}

func (c *Control) Manager() *Manager {
	return c.m
}

// OpenBoards opens every board with a usable image and returns the handles
// by board name. Boards that fail to open are logged and skipped.
func (c *Control) OpenBoards() (map[string]int, error) {
	names, err := c.m.BoardNames()
	if err != nil {
		return nil, err
	}

	out := make(map[string]int)
	if names == "" {
		c.l.Warn("No accelerator boards found")
		return out, nil
	}
	for _, name := range strings.Split(names, ";") {
		h, err := c.m.Open(name)
		if err != nil {
			c.l.WithError(err).WithFields(logrus.Fields{"name": name, "status": StatusCode(err)}).Error("Failed to open board")
			continue
		}
		out[name] = h
	}
	return out, nil
}
