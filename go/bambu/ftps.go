package bambu

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	ftpsPort        = 990
	ftpsChunkSize   = 8 * 1024
	ftpsIOTimeout   = 30 * time.Second
	ftpsDialTimeout = 10 * time.Second
)

// Upload pushes content to the printer's storage over implicit-TLS FTPS.
// The printer rejects fresh TLS sessions on the data channel, so the data
// socket must resume the control channel's session: both connections
// share one session cache, and STOR is issued on the control channel
// before the data connection opens.
func Upload(ctx context.Context, ip, accessCode, filename string, content io.Reader, size int64) error {
	var tlsConf = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		ServerName:         ip,
		ClientSessionCache: tls.NewLRUClientSessionCache(4),
	}

	var deadline = time.Now().Add(ftpsIOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	rawCtl, err := net.DialTimeout("tcp", net.JoinHostPort(ip, strconv.Itoa(ftpsPort)), ftpsDialTimeout)
	if err != nil {
		return fmt.Errorf("dialing control channel: %w", err)
	}
	var ctl = tls.Client(rawCtl, tlsConf)
	defer ctl.Close()
	ctl.SetDeadline(deadline)
	if err = ctl.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("control TLS handshake: %w", err)
	}

	var conn = &ftpConn{c: ctl, r: bufio.NewReader(ctl)}
	if _, _, err = conn.readReply(); err != nil {
		return fmt.Errorf("reading greeting: %w", err)
	}

	for _, step := range []struct {
		cmd  string
		want int
	}{
		{"USER " + mqttUser, 331},
		{"PASS " + accessCode, 230},
		{"PROT P", 200},
		{"TYPE I", 200},
	} {
		if err = conn.expect(step.cmd, step.want); err != nil {
			return err
		}
	}

	dataAddr, err := conn.passive()
	if err != nil {
		return err
	}

	// STOR goes out before the data connection exists.
	if err = conn.send("STOR " + filename); err != nil {
		return err
	}

	rawData, err := net.DialTimeout("tcp", dataAddr, ftpsDialTimeout)
	if err != nil {
		return fmt.Errorf("dialing data channel: %w", err)
	}
	var data = tls.Client(rawData, tlsConf)
	data.SetDeadline(deadline)
	if err = data.HandshakeContext(ctx); err != nil {
		data.Close()
		return fmt.Errorf("data TLS handshake: %w", err)
	}

	if code, _, err := conn.readReply(); err != nil {
		data.Close()
		return fmt.Errorf("reading STOR reply: %w", err)
	} else if code != 150 && code != 125 {
		data.Close()
		return fmt.Errorf("STOR rejected with %d", code)
	}

	written, err := io.CopyBuffer(data, content, make([]byte, ftpsChunkSize))
	data.Close()
	if err != nil {
		return fmt.Errorf("streaming file: %w", err)
	}

	if code, _, err := conn.readReply(); err != nil {
		return fmt.Errorf("reading transfer reply: %w", err)
	} else if code != 226 {
		return fmt.Errorf("transfer finished with %d", code)
	}

	// SIZE is advisory; not every firmware supports it.
	if err = conn.send("SIZE " + filename); err == nil {
		if code, text, err := conn.readReply(); err == nil && code == 213 {
			if remote, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64); err == nil {
				if size >= 0 && remote != size {
					return fmt.Errorf("size mismatch after upload: sent %d, printer has %d", size, remote)
				}
				if size < 0 && remote != written {
					return fmt.Errorf("size mismatch after upload: sent %d, printer has %d", written, remote)
				}
			}
		}
	}

	conn.send("QUIT")
	log.WithFields(log.Fields{"ip": ip, "file": filename, "bytes": written}).Info("file uploaded")
	return nil
}

type ftpConn struct {
	c net.Conn
	r *bufio.Reader
}

func (f *ftpConn) send(cmd string) error {
	var _, err = f.c.Write([]byte(cmd + "\r\n"))
	return err
}

func (f *ftpConn) expect(cmd string, want int) error {
	if err := f.send(cmd); err != nil {
		return fmt.Errorf("sending %s: %w", commandWord(cmd), err)
	}
	code, _, err := f.readReply()
	if err != nil {
		return fmt.Errorf("reply to %s: %w", commandWord(cmd), err)
	}
	if code != want {
		return fmt.Errorf("%s answered %d, want %d", commandWord(cmd), code, want)
	}
	return nil
}

// readReply consumes one FTP reply, including multi-line replies of the
// "NNN-...\r\n ... NNN ..." form.
func (f *ftpConn) readReply() (int, string, error) {
	var first string
	for {
		line, err := f.r.ReadString('\n')
		if err != nil {
			return 0, "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if first == "" {
			first = line
		}
		if len(line) < 4 {
			continue
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			continue
		}
		if line[3] == '-' {
			// Multi-line: read until the terminator with the same code.
			for {
				next, err := f.r.ReadString('\n')
				if err != nil {
					return 0, "", err
				}
				next = strings.TrimRight(next, "\r\n")
				if len(next) >= 4 && next[:3] == line[:3] && next[3] == ' ' {
					return code, next[4:], nil
				}
			}
		}
		return code, line[4:], nil
	}
}

var pasvRe = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

// passive issues PASV and returns the advertised data endpoint.
func (f *ftpConn) passive() (string, error) {
	if err := f.send("PASV"); err != nil {
		return "", fmt.Errorf("sending PASV: %w", err)
	}
	code, text, err := f.readReply()
	if err != nil {
		return "", fmt.Errorf("reply to PASV: %w", err)
	}
	if code != 227 {
		return "", fmt.Errorf("PASV answered %d", code)
	}
	return parsePassiveAddr(text)
}

func parsePassiveAddr(text string) (string, error) {
	var m = pasvRe.FindStringSubmatch(text)
	if m == nil {
		return "", fmt.Errorf("unparseable PASV reply %q", text)
	}
	var nums [6]int
	for i := 0; i < 6; i++ {
		nums[i], _ = strconv.Atoi(m[i+1])
	}
	var host = fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	var port = nums[4]*256 + nums[5]
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func commandWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}
