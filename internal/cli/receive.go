package cli

import (
	"fmt"

	"github.com/rudransh-shrivastava/peer-drop/internal/config"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/node"
	"github.com/rudransh-shrivastava/peer-drop/internal/session"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// fileInbox hands received files from the engine to the save loop. It never
// blocks the engine: files arriving after the loop has stopped, or faster
// than it saves them, are dropped with a warning.
type fileInbox struct {
	files chan transfer.ReceivedFile
	log   *logrus.Logger
}

func newFileInbox(size int, log *logrus.Logger) *fileInbox {
	return &fileInbox{files: make(chan transfer.ReceivedFile, size), log: log}
}

func (b *fileInbox) push(f transfer.ReceivedFile) {
	select {
	case b.files <- f:
	default:
		b.log.Warnf("Not saving %s from %s: no longer accepting files", f.Name, f.From)
	}
}

func newReceiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "wait in a room and save whatever peers send",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.EndpointFromFlags(cmd.Flags())
			if err != nil {
				return err
			}
			count, _ := cmd.Flags().GetInt(flagCount)

			out := cmd.OutOrStdout()
			log := logger.NewLogrus(cfg.LogLevel)
			bars := newProgressBars(cmd.ErrOrStderr())
			inbox := newFileInbox(16, log)

			n, err := node.Connect(cmd.Context(), cfg, log, node.Events{
				PeerConnected: func(p session.Peer) {
					fmt.Fprintf(out, "Connected to %s\n", p.Name)
				},
				Progress: bars.update,
				File:     inbox.push,
				Text: func(m transfer.ReceivedText) {
					fmt.Fprintf(out, "%s: %s\n", m.From, m.Text)
				},
				Error: func(peerID string, err error) {
					log.Warnf("Transfer from %s failed: %v", peerID, err)
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

			for saved := 0; count <= 0 || saved < count; saved++ {
				select {
				case <-cmd.Context().Done():
					return nil
				case f := <-inbox.files:
					path, err := transfer.SaveFile(cfg.DownloadDir, f)
					if err != nil {
						return fmt.Errorf("saving %s: %w", f.Name, err)
					}
					if f.Salvaged {
						fmt.Fprintf(out, "Saved %s from %s (incomplete, %d of %d bytes)\n", path, f.From, len(f.Data), f.Size)
						continue
					}
					fmt.Fprintf(out, "Saved %s from %s (sha256 %s)\n", path, f.From, shortDigest(f.Data))
				}
			}
			return nil
		},
	}
	config.RegisterEndpointFlags(cmd.Flags())
	addRoomFlags(cmd)
	cmd.Flags().Int(flagCount, 1, "files to receive before exiting, 0 to keep going")
	return cmd
}
