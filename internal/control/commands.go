package control

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/stratumd/connectord/internal/auth"
	"github.com/stratumd/connectord/internal/clientid"
	"github.com/stratumd/connectord/internal/levellog"
	"github.com/stratumd/connectord/internal/peer"
	"github.com/stratumd/connectord/internal/registry"
)

// dispatch parses and executes one control datagram (spec.md §4.4). It
// returns true when the loop should exit (the `shutdown` command).
func (l *Loop) dispatch(payload []byte, replyTo string) (exit bool) {
	cmd := string(payload)

	// Strip a leading bearer-token prefix regardless of command: it is
	// harmless on unprivileged commands and required on the two
	// privileged ones (SPEC_FULL.md "Control-command authorization").
	token, rest, hadToken := auth.StripBearer(cmd)
	cmd = rest

	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return false
	}

	switch {
	case strings.HasPrefix(trimmed, "{"):
		l.handleSend(trimmed)
	case strings.HasPrefix(trimmed, "dropclient="):
		l.handleDropClient(strings.TrimPrefix(trimmed, "dropclient="))
	case strings.HasPrefix(trimmed, "passthrough="):
		l.handlePassthrough(strings.TrimPrefix(trimmed, "passthrough="))
	case trimmed == "ping":
		l.countAndReply("ping", replyTo, []byte("pong"))
	case trimmed == "accept":
		l.metrics.ControlCommand("accept")
		l.acceptFlag.SetOpen(true)
	case trimmed == "reject":
		l.metrics.ControlCommand("reject")
		l.acceptFlag.SetOpen(false)
	case trimmed == "stats":
		l.metrics.ControlCommand("stats")
		l.reply(replyTo, l.statsJSON())
	case strings.HasPrefix(trimmed, "loglevel="):
		l.handleLogLevel(strings.TrimPrefix(trimmed, "loglevel="))
	case strings.HasPrefix(trimmed, "getxfd"):
		if !l.authorize("getxfd", token, hadToken, replyTo) {
			return false
		}
		l.handleGetXFD(strings.TrimSpace(strings.TrimPrefix(trimmed, "getxfd")), replyTo)
	case trimmed == "shutdown":
		if !l.authorize("shutdown", token, hadToken, replyTo) {
			return false
		}
		l.metrics.ControlCommand("shutdown")
		return true
	default:
		l.logger.Printf("control: unknown command %q", trimmed)
	}
	return false
}

// authorize checks a privileged command's token when auth is required.
// An invalid or missing token is logged at WARNING and the command is
// dropped, generalizing spec.md §4.4's "unknown commands are logged and
// ignored" to "well-formed but unauthorized" (SPEC_FULL.md
// "Control-command authorization").
func (l *Loop) authorize(command, token string, hadToken bool, replyTo string) bool {
	if l.verifier == nil || !l.verifier.Required() {
		return true
	}
	if !hadToken || l.verifier.Verify(token) != nil {
		l.logger.Printf("control: rejected unauthorized %s", command)
		return false
	}
	return true
}

func (l *Loop) countAndReply(command, replyTo string, payload []byte) {
	l.metrics.ControlCommand(command)
	l.reply(replyTo, payload)
}

// handleSend implements the `{...}` send-dispatch branch (spec.md §4.4
// "Send dispatch").
func (l *Loop) handleSend(line string) {
	l.metrics.ControlCommand("send")

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		l.logger.Printf("control: unparsable send payload: %v", err)
		return
	}

	rawID, ok := obj["client_id"]
	if !ok {
		l.logger.Printf("control: send payload missing client_id")
		return
	}
	var id uint64
	if err := json.Unmarshal(rawID, &id); err != nil {
		l.logger.Printf("control: send payload client_id not an integer: %v", err)
		return
	}
	delete(obj, "client_id")

	if clientid.IsComposite(id) {
		parent, sub := clientid.Split(id)
		obj["client_id"] = json.RawMessage(strconv.FormatUint(uint64(sub), 10))
		l.sendComposite(parent, sub, obj)
		return
	}

	l.sendSimple(id, obj)
}

func (l *Loop) sendComposite(parent uint64, sub uint32, obj map[string]json.RawMessage) {
	if ref, ok := l.reg.RefByID(parent); ok {
		l.enqueueObject(ref, obj)
		return
	}
	// Missing parent: per spec.md §7 "Missing passthrough parent for
	// composite send", fall back to the sub-client id itself.
	subID := uint64(sub)
	if ref, ok := l.reg.RefByID(subID); ok {
		l.reg.Invalidate(ref)
		l.reg.Unref(ref)
		return
	}
	l.notifyDrop(clientid.Composite(parent, sub))
}

func (l *Loop) sendSimple(id uint64, obj map[string]json.RawMessage) {
	ref, ok := l.reg.RefByID(id)
	if !ok {
		l.notifyDrop(id)
		return
	}
	l.enqueueObject(ref, obj)
}

func (l *Loop) enqueueObject(ref *registry.Client, obj map[string]json.RawMessage) {
	buf, err := json.Marshal(obj)
	if err != nil {
		l.reg.Unref(ref)
		l.logger.Printf("control: re-serialize send payload: %v", err)
		return
	}
	buf = append(buf, '\n')
	l.snd.Enqueue(ref, buf)
}

func (l *Loop) notifyDrop(id uint64) {
	l.metrics.MessageDropped()
	if err := l.peerC.NotifyDrop(id); err != nil {
		l.metrics.PeerSendError(peer.Stratifier.String())
		l.logger.Printf("control: notify drop for %d: %v", id, err)
	}
}

func (l *Loop) handleDropClient(idStr string) {
	l.metrics.ControlCommand("dropclient")
	id, err := strconv.ParseUint(strings.TrimSpace(idStr), 10, 64)
	if err != nil {
		l.logger.Printf("control: dropclient bad id %q: %v", idStr, err)
		return
	}
	if clientid.IsComposite(id) {
		// The physical connection stays; passthrough sub-clients are
		// not independently droppable (spec.md §4.4).
		return
	}
	if ref, ok := l.reg.RefByID(id); ok {
		l.reg.Invalidate(ref)
		l.reg.Unref(ref)
	}
}

func (l *Loop) handlePassthrough(idStr string) {
	l.metrics.ControlCommand("passthrough")
	id, err := strconv.ParseUint(strings.TrimSpace(idStr), 10, 64)
	if err != nil {
		l.logger.Printf("control: passthrough bad id %q: %v", idStr, err)
		return
	}
	ref, ok := l.reg.RefByID(id)
	if !ok {
		return
	}
	ref.SetPassthrough(true)
	// The acknowledgement goes to the promoted client itself; the sender
	// takes over ref and drops it once the job finishes.
	l.snd.Enqueue(ref, []byte(`{"result": true}`+"\n"))
}

func (l *Loop) handleLogLevel(nStr string) {
	l.metrics.ControlCommand("loglevel")
	n, err := strconv.Atoi(strings.TrimSpace(nStr))
	if err != nil {
		l.logger.Printf("control: loglevel bad value %q: %v", nStr, err)
		return
	}
	l.logLevel.Set(levellog.Level(n))
}

func (l *Loop) handleGetXFD(nStr string, replyTo string) {
	l.metrics.ControlCommand("getxfd")
	n, err := strconv.Atoi(nStr)
	if err != nil || n < 0 || n >= len(l.listen) {
		l.logger.Printf("control: getxfd bad index %q", nStr)
		return
	}
	if replyTo == "" {
		l.logger.Printf("control: getxfd requires a bound reply address")
		return
	}
	if err := l.sendFD(replyTo, l.listen[n].FD); err != nil {
		l.logger.Printf("control: getxfd send failed: %v", err)
	}
}

// statsJSON renders the stats reply for the `stats` control command
// (spec.md §4.4), with no runtime field.
func (l *Loop) statsJSON() []byte {
	return l.statsJSONWithRuntime(nil)
}

// statsJSONWithRuntime renders the same payload, optionally carrying a
// populated runtime field for the periodic passthrough log (spec.md §6:
// "runtime is present only in periodic passthrough logs").
func (l *Loop) statsJSONWithRuntime(runtime *int64) []byte {
	clients, dead := l.reg.Stats()
	sendsQueued, sendsSize, delays, sent := l.snd.Stats()

	type counterBlock struct {
		Count     int64 `json:"count"`
		Memory    int64 `json:"memory"`
		Generated int64 `json:"generated"`
	}
	type stats struct {
		Runtime *int64       `json:"runtime,omitempty"`
		Clients counterBlock `json:"clients"`
		Dead    counterBlock `json:"dead"`
		Sends   counterBlock `json:"sends"`
		Delays  counterBlock `json:"delays"`
	}

	out := stats{
		Runtime: runtime,
		Clients: counterBlock{Count: int64(clients.Count), Memory: clients.Memory, Generated: clients.Generated},
		Dead:    counterBlock{Count: int64(dead.Count), Memory: dead.Memory, Generated: dead.Generated},
		Sends:   counterBlock{Count: sendsQueued, Memory: sendsSize, Generated: sent},
		Delays:  counterBlock{Count: delays},
	}

	buf, _ := json.Marshal(out)
	return buf
}
