// Command wiretap records raw AMI traffic for use as test fixtures and
// replays captures through the correlator to show the call events a
// capture would produce.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sweeney/asterisk-tickets/internal/ami"
	"github.com/sweeney/asterisk-tickets/internal/correlator"
)

func main() {
	var (
		host      string
		port      int
		user      string
		secret    string
		outDir    string
		sanitize  string
		translate string
	)
	pflag.StringVar(&host, "host", "127.0.0.1", "Asterisk AMI host")
	pflag.IntVar(&port, "port", 5038, "Asterisk AMI port")
	pflag.StringVar(&user, "user", "admin", "AMI username")
	pflag.StringVar(&secret, "secret", "", "AMI secret")
	pflag.StringVar(&outDir, "outdir", "testdata/captures", "output directory for captures")
	pflag.StringVar(&sanitize, "sanitize", "", "sanitize a capture file in-place (keeps .bak)")
	pflag.StringVar(&translate, "translate", "", "print the call events produced by a capture file (- for stdin)")
	pflag.Parse()

	switch {
	case sanitize != "":
		if err := sanitizeFile(sanitize); err != nil {
			fmt.Fprintf(os.Stderr, "sanitize error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sanitized:", sanitize)
		return

	case translate != "":
		if err := translateFile(translate, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "translate error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if secret == "" {
		fmt.Fprintln(os.Stderr, "error: --secret is required")
		pflag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if err := capture(ctx, addr, user, secret, outDir); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func capture(ctx context.Context, addr, user, secret, outDir string) error {
	fmt.Printf("connecting to %s...\n", addr)

	s, err := ami.Dial(ctx, addr, user, secret)
	if err != nil {
		return err
	}
	defer s.Close()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".raw")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	fmt.Printf("writing to %s\n", filename)
	fmt.Printf("banner: %s\n", s.Banner)
	if _, err := fmt.Fprintf(f, "%s\r\n\r\n", s.Banner); err != nil {
		return err
	}

	fmt.Println("streaming events (ctrl+c to stop)...")
	for {
		evt, err := s.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if _, err := io.WriteString(f, evt.String()); err != nil {
			return err
		}
	}
}

// translateFile replays a capture through a correlator with the default
// rules and writes one webhook payload per line.
func translateFile(path string, w io.Writer) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	corr := correlator.New()
	parser := ami.NewParser(r)
	for {
		evt, ok := parser.Next()
		if !ok {
			break
		}
		for _, ce := range corr.Process(evt) {
			data, err := ce.Payload()
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
				return err
			}
		}
	}
	return parser.Err()
}

var (
	ipPattern       = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	phonePattern    = regexp.MustCompile(`\+?\b\d{7,15}\b`)
	secretPattern   = regexp.MustCompile(`(?i)(Secret:\s*).+`)
	passwordPattern = regexp.MustCompile(`(?i)(Password:\s*).+`)
)

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	return os.WriteFile(path, []byte(sanitize(string(data))), 0o644)
}

func sanitize(data string) string {
	lines := strings.Split(data, "\n")
	for i, line := range lines {
		line = secretPattern.ReplaceAllString(line, "${1}REDACTED")
		line = passwordPattern.ReplaceAllString(line, "${1}REDACTED")

		// Keep localhost.
		line = ipPattern.ReplaceAllStringFunc(line, func(ip string) string {
			if ip == "127.0.0.1" {
				return ip
			}
			return "10.0.0.1"
		})

		// Caller numbers end up in tickets; dialed extensions stay.
		if strings.Contains(line, "CallerID") || strings.Contains(line, "ConnectedLine") {
			line = phonePattern.ReplaceAllString(line, "5550001234")
		}

		lines[i] = line
	}
	return strings.Join(lines, "\n")
}
