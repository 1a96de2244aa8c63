// Program chatmux runs a broadcast chat server and talks to one.
package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run and talk to a broadcast chat server.",
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[flags]",
				Help: `Run a chat server.

Every frame received from any client is sent to all connected clients,
including the one that sent it. A frame is

  int32 sender length | sender | int32 body length | body

with lengths in big-endian order.

Settings are read from the TOML file named by --config, if any, and then
from flags given on the command line. Keys in the file:

  addr, max_field_len, buffer_size, max_queue, strict_utf8,
  require_sender, log_level, metrics_interval
`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					flax.MustBind(fs, &serveFlags)
					serveFlagSet = fs
				},
				Run: runServe,
			},
			{
				Name:  "send",
				Usage: "[flags] [message...]",
				Help: `Send messages to a chat server.

With arguments, they are joined by spaces and sent as one message.
Otherwise each line of standard input is sent as a message.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					flax.MustBind(fs, &clientFlags)
					flax.MustBind(fs, &sendFlags)
				},
				Run: runSend,
			},
			{
				Name:  "listen",
				Usage: "[flags]",
				Help: `Print every message broadcast by a chat server.

Messages are printed as "sender: body", one per line, until the server
closes the connection or the program is interrupted.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					flax.MustBind(fs, &clientFlags)
				},
				Run: runListen,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}
