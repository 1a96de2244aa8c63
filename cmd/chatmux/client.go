package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Zereker/chatmux"
	"github.com/Zereker/chatmux/decoder"
	"github.com/creachadair/command"
	"github.com/creachadair/taskgroup"
	"github.com/pkg/errors"
)

var clientFlags struct {
	Addr        string `flag:"addr,default=127.0.0.1:4000,Server address (host:port)"`
	MaxFieldLen int    `flag:"max-field-len,default=1024,Maximum length in bytes of a sender or body"`
}

var sendFlags struct {
	Sender string `flag:"sender,Sender name (default $USER)"`
	Wait   bool   `flag:"wait,Wait for each message to be broadcast back before sending the next"`
}

func dial() (net.Conn, error) {
	conn, err := net.Dial("tcp", clientFlags.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}
	return conn, nil
}

func runSend(env *command.Env) error {
	sender := sendFlags.Sender
	if sender == "" {
		sender = os.Getenv("USER")
	}
	if len(sender) > clientFlags.MaxFieldLen {
		return errors.Wrapf(decoder.ErrFieldTooLarge, "sender is %d bytes", len(sender))
	}

	var bodies []string
	if len(env.Args) != 0 {
		bodies = []string{strings.Join(env.Args, " ")}
	}

	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	fr := newFrameReader(conn, clientFlags.MaxFieldLen)

	send := func(body string) error {
		if len(body) > clientFlags.MaxFieldLen {
			return errors.Wrapf(decoder.ErrFieldTooLarge, "message is %d bytes", len(body))
		}
		msg := chatmux.Message{Sender: sender, Body: body}
		if err := writeMessage(conn, msg); err != nil {
			return err
		}
		if !sendFlags.Wait {
			return nil
		}
		for {
			got, err := fr.Next()
			if err != nil {
				return errors.Wrap(err, "wait for broadcast")
			}
			if got == msg {
				return nil
			}
		}
	}

	if bodies != nil {
		return send(bodies[0])
	}
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if err := send(sc.Text()); err != nil {
			return err
		}
	}
	return sc.Err()
}

func runListen(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	conn, err := dial()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A net.Conn does not obey a context, so close it when ctx ends.
	g := taskgroup.New(nil)
	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})

	err = printMessages(os.Stdout, newFrameReader(conn, clientFlags.MaxFieldLen))
	stop()
	g.Wait()

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// printMessages writes each message from fr as "sender: body" until fr
// reports an error.
func printMessages(w io.Writer, fr *frameReader) error {
	for {
		msg, err := fr.Next()
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", msg.Sender, msg.Body); err != nil {
			return err
		}
	}
}
