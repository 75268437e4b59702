package bambu

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// ftpClient is a minimal FTPS client for Bambu Lab's local SD-card storage
// protocol: implicit TLS on port 990, username "bblp", password the
// printer's access code, passive-mode data transfers. It implements only
// the handful of commands the file pipeline needs (LIST, RETR); it is not a
// general-purpose FTP client.
type ftpClient struct {
	host       string
	port       int
	accessCode string
	timeout    time.Duration

	conn *textproto.Conn
	tlsConfig *tls.Config
}

const (
	ftpsPort    = 990
	ftpUsername = "bblp"
)

func newFTPClient(host, accessCode string, timeout time.Duration) *ftpClient {
	return &ftpClient{
		host:       host,
		port:       ftpsPort,
		accessCode: accessCode,
		timeout:    timeout,
		tlsConfig:  &tls.Config{InsecureSkipVerify: true},
	}
}

func (c *ftpClient) connect() error {
	dialer := &net.Dialer{Timeout: c.timeout}
	raw, err := tls.DialWithDialer(dialer, "tcp", fmt.Sprintf("%s:%d", c.host, c.port), c.tlsConfig)
	if err != nil {
		return fmt.Errorf("dial ftps: %w", err)
	}

	c.conn = textproto.NewConn(raw)
	if _, _, err := c.conn.ReadResponse(220); err != nil {
		c.conn.Close()
		return fmt.Errorf("ftps banner: %w", err)
	}
	if err := c.command(230, 331, "USER %s", ftpUsername); err != nil {
		c.conn.Close()
		return err
	}
	if err := c.command(230, 230, "PASS %s", c.accessCode); err != nil {
		c.conn.Close()
		return err
	}
	if _, err := c.conn.Cmd("TYPE I"); err == nil {
		c.conn.ReadResponse(200)
	}
	return nil
}

func (c *ftpClient) close() {
	if c.conn != nil {
		c.conn.Cmd("QUIT")
		c.conn.Close()
	}
}

func (c *ftpClient) command(expect1, expect2 int, format string, args ...any) error {
	id, err := c.conn.Cmd(format, args...)
	if err != nil {
		return err
	}
	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)
	code, msg, err := c.conn.ReadCodeLine(-1)
	if err != nil {
		return err
	}
	if code != expect1 && code != expect2 {
		return fmt.Errorf("unexpected ftp response %d: %s", code, msg)
	}
	return nil
}

// passiveDataConn opens a PASV data connection.
func (c *ftpClient) passiveDataConn() (net.Conn, error) {
	id, err := c.conn.Cmd("PASV")
	if err != nil {
		return nil, err
	}
	c.conn.StartResponse(id)
	_, msg, err := c.conn.ReadCodeLine(227)
	c.conn.EndResponse(id)
	if err != nil {
		return nil, fmt.Errorf("pasv: %w", err)
	}

	addr, port, err := parsePASV(msg)
	if err != nil {
		return nil, err
	}

	raw, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", addr, port), c.timeout)
	if err != nil {
		return nil, fmt.Errorf("dial pasv data conn: %w", err)
	}
	return tls.Client(raw, c.tlsConfig), nil
}

func parsePASV(msg string) (string, int, error) {
	start := strings.Index(msg, "(")
	end := strings.Index(msg, ")")
	if start < 0 || end < 0 || end <= start {
		return "", 0, fmt.Errorf("malformed PASV response: %s", msg)
	}
	parts := strings.Split(msg[start+1:end], ",")
	if len(parts) != 6 {
		return "", 0, fmt.Errorf("malformed PASV response: %s", msg)
	}
	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil {
		return "", 0, fmt.Errorf("malformed PASV port: %s", msg)
	}
	return strings.Join(parts[:4], "."), p1*256 + p2, nil
}

// list lists filenames (and sizes where the listing provides them) in dir.
func (c *ftpClient) list(dir string) ([]ftpEntry, error) {
	data, err := c.passiveDataConn()
	if err != nil {
		return nil, err
	}
	defer data.Close()

	id, err := c.conn.Cmd("LIST %s", dir)
	if err != nil {
		return nil, err
	}
	c.conn.StartResponse(id)
	if _, _, err := c.conn.ReadCodeLine(150); err != nil {
		c.conn.EndResponse(id)
		return nil, fmt.Errorf("list: %w", err)
	}

	entries := parseListing(data)

	_, _, err = c.conn.ReadCodeLine(226)
	c.conn.EndResponse(id)
	if err != nil {
		return nil, fmt.Errorf("list completion: %w", err)
	}
	return entries, nil
}

// retrieve downloads remotePath into w, reporting transferred byte counts
// via onProgress as they accumulate.
func (c *ftpClient) retrieve(remotePath string, w io.Writer, onProgress func(n int64)) error {
	data, err := c.passiveDataConn()
	if err != nil {
		return err
	}
	defer data.Close()

	id, err := c.conn.Cmd("RETR %s", remotePath)
	if err != nil {
		return err
	}
	c.conn.StartResponse(id)
	if _, _, err := c.conn.ReadCodeLine(150); err != nil {
		c.conn.EndResponse(id)
		return fmt.Errorf("retr: %w", err)
	}

	var transferred int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := data.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				c.conn.EndResponse(id)
				return fmt.Errorf("write retrieved data: %w", err)
			}
			transferred += int64(n)
			if onProgress != nil {
				onProgress(transferred)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			c.conn.EndResponse(id)
			return fmt.Errorf("read retrieved data: %w", readErr)
		}
	}

	_, _, err = c.conn.ReadCodeLine(226)
	c.conn.EndResponse(id)
	if err != nil {
		return fmt.Errorf("retr completion: %w", err)
	}
	return nil
}

type ftpEntry struct {
	Name string
	Size int64
}

// parseListing parses a Unix-style LIST response. Bambu's printer firmware
// emits standard "-rwxrwxrwx 1 ..." lines.
func parseListing(r io.Reader) []ftpEntry {
	var entries []ftpEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		size, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			continue
		}
		name := strings.Join(fields[8:], " ")
		entries = append(entries, ftpEntry{Name: name, Size: size})
	}
	return entries
}
