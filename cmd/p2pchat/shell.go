// cmd/p2pchat/shell.go
package main

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"p2pchat/internal/daemon"
	"p2pchat/internal/logx"
	"p2pchat/internal/proto"
	"p2pchat/internal/router"
)

const prompt = "> "

// shell translates user commands into router/daemon calls and renders the
// asynchronous events coming back. Rendering never blocks inbound delivery:
// callbacks drop into a buffered event channel drained by its own goroutine.
type shell struct {
	d    *daemon.Daemon
	logs *logx.Manager

	mu  sync.Mutex
	out io.Writer

	events chan string
	quit   chan struct{}
	once   sync.Once
}

func newShell(d *daemon.Daemon, logs *logx.Manager, out io.Writer) *shell {
	return &shell{
		d:      d,
		logs:   logs,
		out:    out,
		events: make(chan string, 64),
		quit:   make(chan struct{}),
	}
}

// OnDelivery renders an inbound payload in the agreed formats.
func (sh *shell) OnDelivery(d router.Delivery) {
	var line string
	switch {
	case d.Dst == proto.BroadcastDst:
		line = fmt.Sprintf("[BROADCAST %s] %s", d.Src, d.Payload)
	case strings.HasPrefix(d.Dst, proto.NamespacePrefix):
		line = fmt.Sprintf("[%s %s] %s", d.Dst, d.Src, d.Payload)
	default:
		line = fmt.Sprintf("[%s] %s", d.Src, d.Payload)
	}
	sh.event(line)
}

// OnNote renders asynchronous send outcomes.
func (sh *shell) OnNote(n router.Note) {
	switch n.Code {
	case "ack":
		sh.event(fmt.Sprintf("delivered to %s", n.Peer))
	case proto.CodeAckTimeout:
		sh.event(fmt.Sprintf("no ack from %s (timeout)", n.Peer))
	case proto.CodeNoRoute:
		sh.event(fmt.Sprintf("no route to %s", n.Peer))
	case proto.CodeBusy:
		sh.event(fmt.Sprintf("link to %s is busy, message dropped", n.Peer))
	default:
		sh.event(fmt.Sprintf("send to %s failed: %s", n.Peer, n.Code))
	}
}

func (sh *shell) event(text string) {
	select {
	case sh.events <- text:
	default:
		// Shell output is saturated; dropping the notice beats blocking
		// the session reader.
	}
}

func (sh *shell) printf(format string, args ...any) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	fmt.Fprintf(sh.out, format, args...)
}

func (sh *shell) pumpEvents() {
	for {
		select {
		case <-sh.quit:
			return
		case line := <-sh.events:
			sh.printf("\n%s\n%s", line, prompt)
		}
	}
}

// Run reads commands until /quit or EOF. The returned code becomes the
// process exit status.
func (sh *shell) Run(in io.Reader) int {
	go sh.pumpEvents()
	defer sh.once.Do(func() { close(sh.quit) })

	sh.printf("p2pchat %s ready, /help for commands\n", sh.d.Identity())
	sh.printf(prompt)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			sh.printf(prompt)
			continue
		}
		if done, code := sh.dispatch(line); done {
			return code
		}
		sh.printf(prompt)
	}
	// EOF behaves like /quit.
	return sh.doQuit()
}

func (sh *shell) dispatch(line string) (done bool, code int) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/help":
		sh.printHelp()
	case "/peers":
		sh.printPeers(rest)
	case "/msg":
		sh.doMsg(rest)
	case "/pub":
		sh.doPub(rest)
	case "/conn":
		sh.printConn()
	case "/rtt":
		sh.printRTT()
	case "/reconnect":
		sh.d.Reconnect()
		sh.printf("reconnect requested\n")
	case "/log":
		sh.doLog(rest)
	case "/quit":
		return true, sh.doQuit()
	default:
		sh.printf("unknown command %q, /help lists them\n", cmd)
	}
	return false, 0
}

func (sh *shell) printHelp() {
	sh.printf(`commands:
  /peers [*|#ns]     list known peers (optionally all or one namespace)
  /msg <peer> <text> send a direct message
  /pub * <text>      broadcast to every reachable peer
  /pub #<ns> <text>  publish to one namespace
  /conn              connection summary
  /rtt               round-trip times of open sessions
  /reconnect         run the connection reconciler now
  /log <level>       switch log level (debug|info|warn|error)
  /help              this text
  /quit              unregister and exit
`)
}

func (sh *shell) printPeers(filter string) {
	peers := sh.d.PeerSnapshot()
	var ns string
	switch {
	case filter == "":
		ns = proto.NamespaceOf(sh.d.Identity())
	case filter == proto.BroadcastDst:
		ns = ""
	case strings.HasPrefix(filter, proto.NamespacePrefix):
		ns = strings.TrimPrefix(filter, proto.NamespacePrefix)
	default:
		sh.printf("usage: /peers [*|#ns]\n")
		return
	}
	shown := 0
	for _, p := range peers {
		if ns != "" && p.Namespace != ns {
			continue
		}
		shown++
		age := "never"
		if !p.LastSeen.IsZero() {
			age = time.Since(p.LastSeen).Round(time.Second).String() + " ago"
		}
		sh.printf("%-30s %-10s %s:%d seen %s\n", p.Identity, p.Status, p.Addr, p.Port, age)
	}
	if shown == 0 {
		sh.printf("no peers known\n")
	}
}

func (sh *shell) doMsg(rest string) {
	dst, text, ok := strings.Cut(rest, " ")
	if !ok || strings.TrimSpace(text) == "" {
		sh.printf("usage: /msg <peer> <text>\n")
		return
	}
	if _, err := sh.d.Router().Send(dst, strings.TrimSpace(text)); err != nil {
		sh.printf("send failed: %v\n", err)
		return
	}
	sh.printf("sent to %s\n", dst)
}

func (sh *shell) doPub(rest string) {
	dst, text, ok := strings.Cut(rest, " ")
	if !ok || strings.TrimSpace(text) == "" {
		sh.printf("usage: /pub <*|#ns> <text>\n")
		return
	}
	if _, err := sh.d.Router().Publish(dst, strings.TrimSpace(text)); err != nil {
		sh.printf("publish failed: %v\n", err)
		return
	}
	sh.printf("published to %s\n", dst)
}

func (sh *shell) printConn() {
	infos := sh.d.SessionSnapshot()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Identity < infos[j].Identity })
	sh.printf("sessions: %d, pending acks: %d\n", len(infos), sh.d.Router().PendingAcks())
	for _, info := range infos {
		dir := "in"
		if info.Outbound {
			dir = "out"
		}
		sh.printf("  %-30s %-8s %-3s %s\n", info.Identity, info.State, dir, info.Addr)
	}
	stats := make([]string, 0)
	for status, n := range sh.d.PeerStats() {
		stats = append(stats, fmt.Sprintf("%s=%d", status, n))
	}
	sort.Strings(stats)
	sh.printf("peer table: %s\n", strings.Join(stats, " "))
}

func (sh *shell) printRTT() {
	infos := sh.d.SessionSnapshot()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Identity < infos[j].Identity })
	if len(infos) == 0 {
		sh.printf("no open sessions\n")
		return
	}
	for _, info := range infos {
		if info.HasRTT {
			sh.printf("  %-30s %v\n", info.Identity, info.RTT.Round(time.Millisecond))
		} else {
			sh.printf("  %-30s (no sample yet)\n", info.Identity)
		}
	}
}

func (sh *shell) doLog(rest string) {
	if rest == "" {
		sh.printf("log level: %s\n", sh.logs.Level())
		return
	}
	if err := sh.logs.SetLevel(rest); err != nil {
		sh.printf("%v\n", err)
		return
	}
	sh.printf("log level set to %s\n", rest)
}

func (sh *shell) doQuit() int {
	sh.printf("shutting down...\n")
	if err := sh.d.Shutdown(); err != nil {
		sh.printf("shutdown incomplete: %v\n", err)
		return 1
	}
	return 0
}
