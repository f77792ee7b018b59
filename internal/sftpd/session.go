package sftpd

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/wingsd/wingsd/internal/activity"
	"github.com/wingsd/wingsd/internal/archive"
	"github.com/wingsd/wingsd/internal/confinedfs"
	"github.com/wingsd/wingsd/internal/panel"
	"github.com/wingsd/wingsd/internal/server"
)

// ServerLookup resolves the server a successfully-authenticated SFTP
// session is scoped to, so Listener never has to know how servers are
// tracked process-wide.
type ServerLookup interface {
	Lookup(id uuid.UUID) (*server.Server, *confinedfs.Root, bool)
}

// Listener is the SFTP/exec gateway's network entry point: it
// authenticates every connection against the panel's /sftp/auth call
// (§6, §4.H) and then serves either an SFTP subsystem or an exec channel
// scoped to exactly the one server the panel authorized.
type Listener struct {
	Addr    string
	HostKey ssh.Signer
	Panel   *panel.Client
	Lookup  ServerLookup
	Log     *activity.Log
	Level   archive.LevelPreset
	Workers int
}

func (l *Listener) sshConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return l.authenticate(conn, panel.AuthPassword, string(password))
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return l.authenticate(conn, panel.AuthPublicKey, string(ssh.MarshalAuthorizedKey(key)))
		},
	}
	cfg.AddHostKey(l.HostKey)
	return cfg
}

func (l *Listener) authenticate(conn ssh.ConnMetadata, authType panel.AuthType, credential string) (*ssh.Permissions, error) {
	res, err := l.Panel.SFTPAuth(context.Background(), authType, conn.User(), credential)
	if err != nil {
		return nil, fmt.Errorf("sftpd: auth rejected for %s: %w", conn.User(), err)
	}
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return &ssh.Permissions{
		Extensions: map[string]string{
			"user":        res.User.String(),
			"server":      res.Server.String(),
			"ip":          host,
			"permissions": strings.Join(res.Permissions, ","),
		},
	}, nil
}

// Serve listens on Addr until ctx is cancelled, handling each inbound
// connection on its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return fmt.Errorf("sftpd: listen %s: %w", l.Addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	cfg := l.sshConfig()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sftpd: accept: %w", err)
		}
		go l.handleConn(ctx, conn, cfg)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn, cfg *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	serverUUID, err := uuid.Parse(sshConn.Permissions.Extensions["server"])
	if err != nil {
		return
	}
	userUUID, err := uuid.Parse(sshConn.Permissions.Extensions["user"])
	if err != nil {
		return
	}
	srv, root, ok := l.Lookup.Lookup(serverUUID)
	if !ok {
		return
	}
	userIP := net.ParseIP(sshConn.Permissions.Extensions["ip"])
	var permissions []string
	if raw := sshConn.Permissions.Extensions["permissions"]; raw != "" {
		permissions = strings.Split(raw, ",")
	}

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go l.handleSession(ctx, channel, requests, srv, root, userUUID, userIP, permissions)
	}
}

func (l *Listener) handleSession(ctx context.Context, channel ssh.Channel, requests <-chan *ssh.Request, srv *server.Server, root *confinedfs.Root, userUUID uuid.UUID, userIP net.IP, permissions []string) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			l.serveSFTP(channel, root)
			return
		case "exec":
			req.Reply(true, nil)
			command := string(req.Payload[4:])
			l.execSession(ctx, channel, srv, root, permissions, userUUID, userIP, command)
			return
		default:
			req.Reply(false, nil)
		}
	}
}

func (l *Listener) serveSFTP(channel ssh.Channel, root *confinedfs.Root) {
	h := vfsHandler{root: root}
	handlers := sftp.Handlers{FileGet: h, FilePut: h, FileCmd: h, FileList: h}
	reqSrv := sftp.NewRequestServer(channel, handlers)
	if err := reqSrv.Serve(); err != nil {
		logrus.WithError(err).Debug("sftpd: sftp session ended")
	}
}

func (l *Listener) execSession(ctx context.Context, channel ssh.Channel, srv *server.Server, root *confinedfs.Root, permissions []string, userUUID uuid.UUID, userIP net.IP, command string) {
	sess := &ExecSession{
		Root:        root,
		Server:      srv,
		Log:         l.Log,
		Permissions: permissions,
		UserUUID:    userUUID,
		UserIP:      userIP,
		Level:       l.Level,
		Workers:     l.Workers,
	}
	result, err := sess.Run(ctx, command)
	if err != nil {
		logrus.WithError(err).WithField("server", srv.UUID).Error("sftpd: exec command failed")
		channel.Stderr().Write([]byte("An error occurred while processing the command.\r\n"))
		sendExitStatus(channel, 1)
		return
	}
	if result.Message != "" {
		channel.Write([]byte(result.Message))
	}
	sendExitStatus(channel, result.ExitCode)
}

func sendExitStatus(channel ssh.Channel, code int) {
	payload := struct{ Status uint32 }{Status: uint32(code)}
	channel.SendRequest("exit-status", false, ssh.Marshal(&payload))
}
