package cli

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/config"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/node"
	"github.com/rudransh-shrivastava/peer-drop/internal/session"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/spf13/cobra"
)

const (
	flagCode   = "code"
	flagPair   = "pair"
	flagText   = "text"
	flagLinger = "linger"
	flagCount  = "count"
)

func addRoomFlags(cmd *cobra.Command) {
	cmd.Flags().String(flagCode, "", "join the room with this 6-digit code")
	cmd.Flags().String(flagPair, "", "meet a device by its display name")
	cmd.MarkFlagsMutuallyExclusive(flagCode, flagPair)
}

// enterRoom joins the room the flags ask for, or creates one and prints
// its code.
func enterRoom(cmd *cobra.Command, n *node.Node) error {
	code, _ := cmd.Flags().GetString(flagCode)
	pair, _ := cmd.Flags().GetString(flagPair)
	out := cmd.OutOrStdout()

	switch {
	case pair != "":
		room, err := n.Pair(pair)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Waiting for %q in room %s\n", pair, room)
	case code != "":
		if err := n.JoinRoom(code); err != nil {
			return err
		}
		fmt.Fprintf(out, "Joined room %s\n", n.Room())
	default:
		room, err := n.CreateRoom()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Room code: %s\n", room)
	}
	return nil
}

// shortDigest is the leading part of data's SHA-256, enough for two people
// to compare what was sent with what arrived.
func shortDigest(data []byte) string {
	sum, err := transfer.Digest(bytes.NewReader(data))
	if err != nil {
		return "unknown"
	}
	return sum[:12]
}

func newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [path/to/file]",
		Short: "send a file or a text message to the first peer that connects",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.EndpointFromFlags(cmd.Flags())
			if err != nil {
				return err
			}
			text, _ := cmd.Flags().GetString(flagText)
			linger, _ := cmd.Flags().GetDuration(flagLinger)
			if (len(args) == 0) == (text == "") {
				return errors.New("give either a file or --text")
			}

			var file transfer.File
			if len(args) == 1 {
				if file, err = transfer.LoadFile(args[0], cfg.MaxFileSize); err != nil {
					return err
				}
			}

			log := logger.NewLogrus(cfg.LogLevel)
			bars := newProgressBars(cmd.ErrOrStderr())
			gone := make(chan struct{}, 1)
			n, err := node.Connect(cmd.Context(), cfg, log, node.Events{
				Progress: bars.update,
				PeerGone: func(session.Peer) {
					select {
					case gone <- struct{}{}:
					default:
					}
				},
			})
			if err != nil {
				return err
			}
			defer n.Close()

			if err := n.Start(); err != nil {
				return err
			}
			if err := enterRoom(cmd, n); err != nil {
				return err
			}

			peer, err := n.WaitForPeer(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if text != "" {
				if err := n.SendText(cmd.Context(), peer.ID, text); err != nil {
					return err
				}
				fmt.Fprintf(out, "Sent message to %s\n", peer.Name)
			} else {
				if err := n.SendFile(cmd.Context(), peer.ID, file); err != nil {
					return err
				}
				fmt.Fprintf(out, "Sent %s (%d bytes, sha256 %s) to %s\n", file.Name, len(file.Data), shortDigest(file.Data), peer.Name)
			}

			// Give the peer connection time to drain before tearing it down.
			select {
			case <-gone:
			case <-cmd.Context().Done():
			case <-time.After(linger):
			}
			return nil
		},
	}
	config.RegisterEndpointFlags(cmd.Flags())
	addRoomFlags(cmd)
	cmd.Flags().String(flagText, "", "send this text instead of a file")
	cmd.Flags().Duration(flagLinger, 3*time.Second, "how long to stay connected after sending")
	return cmd
}
