// Package dispatch maps incoming request documents to merge.Merger
// operations, formats replies, and cleans up volatile layers when a
// connection closes. It is the "request name -> handler" table
// spec.md §9 asks for: built once, keyed by request string, handlers
// sharing a common signature.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/manuco/llmerger/internal/iomux"
	"github.com/manuco/llmerger/internal/merge"
	"github.com/manuco/llmerger/internal/metrics"
	apperrors "github.com/manuco/llmerger/pkg/errors"
	"github.com/manuco/llmerger/pkg/logger"
)

// ConnID identifies the connection a request arrived on; an alias for
// iomux.ConnID so callers can pass multiplexer events straight through.
type ConnID = iomux.ConnID

// Sender delivers a reply document to a connection. *iomux.Multiplexer
// satisfies this.
type Sender interface {
	Send(cid ConnID, doc any) error
}

// handlerFunc implements one request kind. It mutates the merger (or
// not), and returns extra fields to merge into the success reply
// alongside {"id": ...}; a nil map yields the generic {"id":...,
// "status":"ok"} reply. A non-nil error is rendered as the wire error
// reply instead.
type handlerFunc func(d *Dispatcher, cid ConnID, req map[string]any) (map[string]any, error)

type handlerEntry struct {
	fn      handlerFunc
	mutates bool
}

// Dispatcher owns the request table and the merger it drives.
type Dispatcher struct {
	merger   *merge.Merger
	sender   Sender
	metrics  *metrics.Collector
	log      *logger.Logger
	handlers map[string]handlerEntry
	onQuit   func()
}

// New returns a Dispatcher wired to merger and sender. onQuit is invoked
// (after the "quit" reply is sent) to let the caller stop the
// multiplexer; it may be nil.
func New(merger *merge.Merger, sender Sender, collector *metrics.Collector, onQuit func()) *Dispatcher {
	d := &Dispatcher{
		merger:  merger,
		sender:  sender,
		metrics: collector,
		log:     logger.Default,
		onQuit:  onQuit,
	}
	d.handlers = map[string]handlerEntry{
		"new layer":       {fn: handleNewLayer, mutates: true},
		"remove layer":    {fn: handleRemoveLayer, mutates: true},
		"new channels":    {fn: handleNewChannels, mutates: true},
		"update channels": {fn: handleUpdateChannels, mutates: true},
		"remove channels": {fn: handleRemoveChannels, mutates: true},
		"status":          {fn: handleStatus},
		"output":          {fn: handleOutput},
		"quit":            {fn: handleQuit},
	}
	return d
}

// Dispatch handles one decoded packet document arriving on cid, matching
// spec.md §4.5's ("packet", cid, doc) event. It always sends exactly one
// reply document.
func (d *Dispatcher) Dispatch(cid ConnID, doc any) {
	req, ok := doc.(map[string]any)
	if !ok {
		d.sendRaw(cid, map[string]any{"error": "Protocol error, missing request id"})
		d.metrics.IncRequestError()
		return
	}

	rawID, hasID := req["id"]
	id, idIsString := rawID.(string)
	if !hasID || !idIsString {
		d.sendRaw(cid, map[string]any{"error": "Protocol error, missing request id"})
		d.metrics.IncRequestError()
		return
	}

	name, ok := req["request"].(string)
	if !ok {
		d.reply(cid, id, nil, apperrors.New(apperrors.Protocol, "missing key: request"))
		return
	}

	entry, ok := d.handlers[name]
	if !ok {
		d.reply(cid, id, nil, apperrors.New(apperrors.Protocol, "unknown request: "+name))
		return
	}

	d.metrics.IncRequest(name)
	extra, err := entry.fn(d, cid, req)
	if err == nil && entry.mutates {
		if merr := d.merger.Merge(); merr != nil {
			err = merr
		} else {
			d.metrics.IncMerges()
			d.metrics.SetLayersActive(len(d.merger.Status()))
		}
	}
	d.reply(cid, id, extra, err)

	if err == nil && name == "quit" && d.onQuit != nil {
		d.onQuit()
	}
}

// HandleConnectionClosed implements spec.md §4.5's
// ("connection closed", cid) handling: every volatile layer owned by cid
// is removed and the universe is re-merged.
func (d *Dispatcher) HandleConnectionClosed(cid ConnID) {
	d.merger.RemoveVolatileLayersForConnection(uint64(cid))
	if err := d.merger.Merge(); err != nil {
		d.log.Error("dispatch: re-merge after connection %d closed: %v", cid, err)
		return
	}
	d.metrics.IncMerges()
	d.metrics.SetLayersActive(len(d.merger.Status()))
}

func (d *Dispatcher) reply(cid ConnID, id string, extra map[string]any, err error) {
	if err != nil {
		d.metrics.IncRequestError()
		d.sendRaw(cid, map[string]any{"id": id, "error": errorMessage(err)})
		return
	}
	out := map[string]any{"id": id}
	if len(extra) == 0 {
		out["status"] = "ok"
	} else {
		for k, v := range extra {
			out[k] = v
		}
	}
	d.sendRaw(cid, out)
}

func (d *Dispatcher) sendRaw(cid ConnID, doc any) {
	if err := d.sender.Send(cid, doc); err != nil {
		d.log.Error("dispatch: sending reply to %d: %v", cid, err)
	}
}

// errorMessage renders err per spec.md §7: Protocol errors use a comma
// ("Protocol error, missing key: layer"); Value errors use a colon
// ("Value error: unknown layer: 7").
func errorMessage(err error) string {
	var ae *apperrors.AppError
	if !errors.As(err, &ae) {
		return "Value error: " + err.Error()
	}
	switch ae.Code {
	case apperrors.Protocol:
		return fmt.Sprintf("Protocol error, %s", ae.Message)
	default:
		return fmt.Sprintf("Value error: %s", ae.Message)
	}
}

func requireString(req map[string]any, key string) (string, error) {
	raw, ok := req[key]
	if !ok {
		return "", apperrors.New(apperrors.Protocol, "missing key: "+key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", apperrors.New(apperrors.Protocol, "missing key: "+key)
	}
	return s, nil
}

func requireList(req map[string]any, key string) ([]any, error) {
	raw, ok := req[key]
	if !ok {
		return nil, apperrors.New(apperrors.Protocol, "missing key: "+key)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, apperrors.New(apperrors.Protocol, "missing key: "+key)
	}
	return list, nil
}

func toInt(raw any) (int, error) {
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, apperrors.New(apperrors.Value, "unparseable numeric")
	}
}

func requireInt(m map[string]any, key string) (int, error) {
	raw, ok := m[key]
	if !ok {
		return 0, apperrors.New(apperrors.Protocol, "missing key: "+key)
	}
	return toInt(raw)
}

// parseMixType decodes a mixType field: a numeric weight in [0,1], the
// strings "min"/"max", or (absent) the default full-weight blend.
func parseMixType(raw any) (merge.MixType, error) {
	switch v := raw.(type) {
	case nil:
		return merge.WeightMix(1.0), nil
	case float64:
		if v < 0 || v > 1 {
			return merge.MixType{}, apperrors.New(apperrors.Value, "mixType weight must be in [0,1]")
		}
		return merge.WeightMix(v), nil
	case string:
		switch v {
		case "min":
			return merge.MixType{Kind: merge.MixMin}, nil
		case "max":
			return merge.MixType{Kind: merge.MixMax}, nil
		}
	}
	return merge.MixType{}, apperrors.New(apperrors.Value, "unknown mix type")
}

// applyChannelSpecs adds or replaces every channel described in
// rawChannels (a list of {address, value?, nbChan?, mixType?} objects).
func applyChannelSpecs(layer *merge.Layer, rawChannels any) error {
	list, ok := rawChannels.([]any)
	if !ok {
		return apperrors.New(apperrors.Protocol, "missing key: channels")
	}
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			return apperrors.New(apperrors.Protocol, "missing key: address")
		}
		addr, err := requireInt(m, "address")
		if err != nil {
			return err
		}
		nbChan := 1
		if v, ok := m["nbChan"]; ok {
			n, err := toInt(v)
			if err != nil {
				return err
			}
			if n < 1 {
				return apperrors.New(apperrors.Value, "nbChan must be >= 1")
			}
			nbChan = n
		}
		value := 0
		if v, ok := m["value"]; ok {
			n, err := toInt(v)
			if err != nil {
				return err
			}
			value = n
		}
		mixType, err := parseMixType(m["mixType"])
		if err != nil {
			return err
		}
		layer.AddChannel(addr, value, mixType, nbChan)
	}
	return nil
}

func handleNewLayer(d *Dispatcher, cid ConnID, req map[string]any) (map[string]any, error) {
	level, err := requireString(req, "layer")
	if err != nil {
		return nil, err
	}

	status := merge.Volatile
	if raw, ok := req["status"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, apperrors.New(apperrors.Value, "bad status")
		}
		switch merge.LayerStatus(s) {
		case merge.Volatile, merge.Persistent:
			status = merge.LayerStatus(s)
		default:
			return nil, apperrors.New(apperrors.Value, "unknown layer status: "+s)
		}
	}

	connID := uint64(cid)
	if status == merge.Persistent {
		connID = 0
	}

	layer, err := merge.NewLayer(level, status, connID)
	if err != nil {
		return nil, err
	}
	if raw, ok := req["channels"]; ok {
		if err := applyChannelSpecs(layer, raw); err != nil {
			return nil, err
		}
	}
	d.merger.AddLayer(layer)
	return nil, nil
}

func handleRemoveLayer(d *Dispatcher, cid ConnID, req map[string]any) (map[string]any, error) {
	level, err := requireString(req, "layer")
	if err != nil {
		return nil, err
	}
	if _, err := d.merger.GetLayer(level); err != nil {
		return nil, err
	}
	d.merger.DelLayer(level)
	return nil, nil
}

func handleNewChannels(d *Dispatcher, cid ConnID, req map[string]any) (map[string]any, error) {
	level, err := requireString(req, "layer")
	if err != nil {
		return nil, err
	}
	layer, err := d.merger.GetLayer(level)
	if err != nil {
		return nil, err
	}
	raw, ok := req["channels"]
	if !ok {
		return nil, apperrors.New(apperrors.Protocol, "missing key: channels")
	}
	return nil, applyChannelSpecs(layer, raw)
}

func handleUpdateChannels(d *Dispatcher, cid ConnID, req map[string]any) (map[string]any, error) {
	level, err := requireString(req, "layer")
	if err != nil {
		return nil, err
	}
	layer, err := d.merger.GetLayer(level)
	if err != nil {
		return nil, err
	}
	list, err := requireList(req, "channels")
	if err != nil {
		return nil, err
	}
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, apperrors.New(apperrors.Protocol, "missing key: address")
		}
		addr, err := requireInt(m, "address")
		if err != nil {
			return nil, err
		}
		var valuePtr *int
		if v, ok := m["value"]; ok {
			n, err := toInt(v)
			if err != nil {
				return nil, err
			}
			valuePtr = &n
		}
		var mixPtr *merge.MixType
		if v, ok := m["mixType"]; ok {
			mt, err := parseMixType(v)
			if err != nil {
				return nil, err
			}
			mixPtr = &mt
		}
		if err := layer.UpdateChannel(addr, valuePtr, mixPtr); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func handleRemoveChannels(d *Dispatcher, cid ConnID, req map[string]any) (map[string]any, error) {
	level, err := requireString(req, "layer")
	if err != nil {
		return nil, err
	}
	layer, err := d.merger.GetLayer(level)
	if err != nil {
		return nil, err
	}
	list, err := requireList(req, "channels")
	if err != nil {
		return nil, err
	}
	for _, raw := range list {
		addr, err := channelAddress(raw)
		if err != nil {
			return nil, err
		}
		layer.DelChannel(addr)
	}
	return nil, nil
}

// channelAddress accepts either a bare address (as the original's
// compact wire form would send) or a {"address": n, ...} object, so
// "remove channels" can reuse the same channel-entry shape "new
// channels" uses without forcing callers to strip the other fields.
func channelAddress(raw any) (int, error) {
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case map[string]any:
		return requireInt(v, "address")
	default:
		return 0, apperrors.New(apperrors.Protocol, "missing key: address")
	}
}

func handleStatus(d *Dispatcher, cid ConnID, req map[string]any) (map[string]any, error) {
	snapshot := d.merger.Status()
	layers := make(map[string]any, len(snapshot))
	for level, l := range snapshot {
		channels := make(map[string]any, len(l.Channels))
		for addr, ch := range l.Channels {
			channels[fmt.Sprint(addr)] = map[string]any{
				"value":   ch.Value,
				"nbChan":  ch.NbChan,
				"mixType": mixTypeWire(ch.MixType),
			}
		}
		layers[level] = map[string]any{
			"status":   string(l.Status),
			"channels": channels,
		}
	}
	return map[string]any{"layers": layers}, nil
}

func handleOutput(d *Dispatcher, cid ConnID, req map[string]any) (map[string]any, error) {
	universe := d.merger.Output()
	out := make(map[string]any, len(universe))
	for addr, v := range universe {
		out[fmt.Sprint(addr)] = v
	}
	return map[string]any{"output": out}, nil
}

func handleQuit(d *Dispatcher, cid ConnID, req map[string]any) (map[string]any, error) {
	return nil, nil
}

func mixTypeWire(mt merge.MixType) any {
	switch mt.Kind {
	case merge.MixMin:
		return "min"
	case merge.MixMax:
		return "max"
	default:
		return mt.Weight
	}
}
