package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"msgd/db"
	"msgd/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownReply = "OK|Shutting down"

// controller answers administrative commands on the local control socket.
type controller struct {
	srv      *server.Server
	db       *db.DB
	shutdown func()
	logger   *zap.Logger
}

func newController(srv *server.Server, database *db.DB, shutdown func(), logger *zap.Logger) *controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &controller{srv: srv, db: database, shutdown: shutdown, logger: logger}
}

func (c *controller) listen(ctx context.Context, path string) error {
	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("create control socket: %w", err)
	}
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	c.logger.Info("control socket listening", zap.String("path", path))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}

		go c.serve(conn)
	}
}

func (c *controller) serve(conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	reply := c.handle(strings.TrimSpace(line))
	conn.Write([]byte(reply + "\n"))

	if reply == shutdownReply {
		c.shutdown()
	}
}

// handle runs one command line of the form name|arg|arg and returns the
// reply without the trailing newline.
func (c *controller) handle(line string) string {
	parts := strings.Split(line, "|")
	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case "stats":
		return "OK|" + c.srv.GetStats()

	case "users":
		users, err := c.db.ListUsers()
		if err != nil {
			return c.fail(cmd, err)
		}
		fields := make([]string, 0, len(users))
		for _, u := range users {
			fields = append(fields, u.Login+"="+u.LastLogin.UTC().Format(time.RFC3339))
		}
		return "OK|" + strings.Join(fields, ";")

	case "active":
		active, err := c.db.ActiveUsers()
		if err != nil {
			return c.fail(cmd, err)
		}
		fields := make([]string, 0, len(active))
		for _, a := range active {
			fields = append(fields, a.Login+"="+net.JoinHostPort(a.IP, strconv.Itoa(a.Port)))
		}
		return "OK|" + strings.Join(fields, ";")

	case "history":
		login := ""
		if len(args) > 0 {
			login = args[0]
		}
		records, err := c.db.LoginHistory(login)
		if err != nil {
			return c.fail(cmd, err)
		}
		fields := make([]string, 0, len(records))
		for _, r := range records {
			fields = append(fields, fmt.Sprintf("%s,%s,%s",
				r.Login, net.JoinHostPort(r.IP, strconv.Itoa(r.Port)), r.Time.UTC().Format(time.RFC3339)))
		}
		return "OK|" + strings.Join(fields, ";")

	case "messages":
		stats, err := c.db.MessageStats()
		if err != nil {
			return c.fail(cmd, err)
		}
		fields := make([]string, 0, len(stats))
		for _, s := range stats {
			fields = append(fields, fmt.Sprintf("%s=%d/%d", s.Login, s.Sent, s.Accepted))
		}
		return "OK|" + strings.Join(fields, ";")

	case "register":
		if len(args) != 2 || args[0] == "" || args[1] == "" {
			return "ERROR|Usage: register|login|password"
		}
		err := c.db.CreateUser(args[0], args[1])
		if errors.Is(err, db.ErrUserExists) {
			return "ERROR|User already exists"
		}
		if err != nil {
			return c.fail(cmd, err)
		}
		c.logger.Info("user registered", zap.String("account", args[0]))
		c.srv.BroadcastListsChanged()
		return "OK|Registered " + args[0]

	case "remove":
		if len(args) != 1 || args[0] == "" {
			return "ERROR|Usage: remove|login"
		}
		err := c.db.RemoveUser(args[0])
		if errors.Is(err, db.ErrNoRows) {
			return "ERROR|User not found"
		}
		if err != nil {
			return c.fail(cmd, err)
		}
		c.srv.Kick(args[0])
		c.logger.Info("user removed", zap.String("account", args[0]))
		c.srv.BroadcastListsChanged()
		return "OK|Removed " + args[0]

	case "shutdown":
		c.logger.Info("shutdown requested over control socket")
		return shutdownReply

	default:
		return "ERROR|Unknown command"
	}
}

func (c *controller) fail(cmd string, err error) string {
	c.logger.Error("control command failed", zap.String("command", cmd), zap.Error(err))
	return "ERROR|" + err.Error()
}

var ctlCmd = &cobra.Command{
	Use:   "ctl <command> [args...]",
	Short: "Send a command to a running server",
	Long: `Send one command to the control socket of a running server and print the reply.

Commands: stats, users, active, history [login], messages,
register <login> <password>, remove <login>, shutdown.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		reply, err := sendControl(cmd.Context(), cfg.ControlSocket, strings.Join(args, "|"))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		if strings.HasPrefix(reply, "ERROR|") {
			return errors.New(strings.TrimPrefix(reply, "ERROR|"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ctlCmd)
}

func sendControl(ctx context.Context, path, line string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return "", fmt.Errorf("connect to control socket: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return "", err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}
