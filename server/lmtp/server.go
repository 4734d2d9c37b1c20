// Package lmtp implements the LMTP listener feeding inbound messages
// through Sieve filtering into local delivery.
package lmtp

import (
	"context"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/sieved/logger"
	"github.com/migadu/sieved/server/sieveexec"
)

// AccountResolver maps recipient addresses to account ids.
type AccountResolver interface {
	GetAccountByAddress(ctx context.Context, address string) (int64, error)
}

type Backend struct {
	hostname string
	accounts AccountResolver
	engine   *sieveexec.Engine
}

func NewBackend(hostname string, accounts AccountResolver, engine *sieveexec.Engine) *Backend {
	return &Backend{
		hostname: hostname,
		accounts: accounts,
		engine:   engine,
	}
}

func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	logger.Debug("LMTP: New session", "remote", c.Conn().RemoteAddr())
	return newSession(b), nil
}

// NewServer wires the backend into a go-smtp server in LMTP mode. An addr
// beginning with "/" is served as a unix socket.
func NewServer(b *Backend, addr string, maxSize int64) *smtp.Server {
	s := smtp.NewServer(b)
	s.Addr = addr
	s.LMTP = true
	s.Domain = b.hostname
	s.MaxMessageBytes = maxSize
	s.MaxRecipients = 100
	s.AllowInsecureAuth = true
	s.ReadTimeout = 5 * time.Minute
	s.WriteTimeout = 5 * time.Minute
	if strings.HasPrefix(addr, "/") {
		s.Network = "unix"
	} else {
		s.Network = "tcp"
	}
	return s
}
