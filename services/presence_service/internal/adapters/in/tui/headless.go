package tui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/seqlab/presence/services/presence_service/internal/adapters/in/interaction"
	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
	"github.com/seqlab/presence/services/presence_service/internal/ports/in"
)

// Command 无界面模式下的一行输入
type Command struct {
	Quit   bool
	Module string
	Tab    string
}

// ParseCommand 普通文本视为一次按键，返回 false
func ParseCommand(line string) (Command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return Command{}, false
	}
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit":
		return Command{Quit: true}, true
	case "/go":
		if len(fields) < 2 {
			return Command{}, false
		}
		cmd := Command{Module: fields[1]}
		if len(fields) > 2 {
			cmd.Tab = fields[2]
		}
		return cmd, true
	}
	return Command{}, false
}

// RunHeadless 从 r 逐行读取：任意一行是一次按键，/go <module> [tab] 导航，/quit 下线退出。
// 输入结束或 ctx 取消时同样会下线。
func RunHeadless(ctx context.Context, r io.Reader, w io.Writer, tracker in.PresenceTracker, feed *interaction.Feed) error {
	if err := tracker.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize presence: %w", err)
	}
	fmt.Fprintf(w, "presence %s\n", tracker.State())

	lines := make(chan string)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	defer func() {
		tracker.GoOffline(context.WithoutCancel(ctx))
		fmt.Fprintf(w, "presence %s\n", tracker.State())
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			cmd, isCmd := ParseCommand(line)
			if !isCmd {
				if feed != nil {
					feed.Emit(entity.InteractionKey)
				}
				continue
			}
			if cmd.Quit {
				return nil
			}
			tracker.UpdateLocation(ctx, cmd.Module, cmd.Tab)
			fmt.Fprintf(w, "location %s %s\n", cmd.Module, cmd.Tab)
		}
	}
}
