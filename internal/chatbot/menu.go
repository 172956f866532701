// ABOUTME: Menu rendering for the chatbot option tree
// ABOUTME: Produces text, list or button payloads depending on the queue's mode

package chatbot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hublia/routeflow/internal/store"
	"github.com/hublia/routeflow/internal/wire"
)

// Control keys typed by the contact while navigating the tree.
const (
	keyAgent    = "#"
	keyMainMenu = "00"
	keyBack     = "0"
)

const (
	labelBack     = "0 - Back"
	labelMainMenu = "00 - Main menu"
	labelAgent    = "# - Talk to an agent"
	listButton    = "Options"
	moreOptions   = "More options"
	msgWaitAgent  = "Please wait, an agent will be with you shortly."
)

// maxButtons is the network's cap on reply buttons per message.
const maxButtons = 3

// menuItem is one selectable entry, already resolved for the render mode.
type menuItem struct {
	// key is what a reply must match: the selector in text mode, the
	// option id in list and button modes.
	key   string
	title string
}

// optionItems builds menu items from tree nodes. Interactive modes key rows
// by numeric option id; text mode keys by the configured selector.
func optionItems(mode string, options []*store.QueueOption) []menuItem {
	items := make([]menuItem, 0, len(options))
	for _, o := range options {
		key := o.Selector
		if mode != store.RenderText {
			key = strconv.FormatInt(o.ID, 10)
		}
		items = append(items, menuItem{key: key, title: o.Title})
	}
	return items
}

// renderMenu produces the payloads for a menu in the given mode. Button mode
// can span several messages; the others always produce exactly one.
func renderMenu(mode, header string, items []menuItem, withControls bool) []wire.Payload {
	switch mode {
	case store.RenderList:
		rows := make([]wire.Row, 0, len(items)+3)
		for _, it := range items {
			rows = append(rows, wire.Row{ID: it.key, Title: it.title})
		}
		if withControls {
			rows = append(rows,
				wire.Row{ID: keyBack, Title: labelBack},
				wire.Row{ID: keyMainMenu, Title: labelMainMenu},
				wire.Row{ID: keyAgent, Title: labelAgent},
			)
		}
		return []wire.Payload{wire.ListPayload{
			Body:       header,
			ButtonText: listButton,
			Rows:       rows,
		}}

	case store.RenderButtons:
		buttons := make([]wire.Button, 0, len(items))
		for _, it := range items {
			buttons = append(buttons, wire.Button{ID: it.key, Label: it.title})
		}
		var payloads []wire.Payload
		for i := 0; i < len(buttons); i += maxButtons {
			end := i + maxButtons
			if end > len(buttons) {
				end = len(buttons)
			}
			body := moreOptions
			if i == 0 {
				body = header
			}
			payloads = append(payloads, wire.ButtonsPayload{Body: body, Buttons: buttons[i:end]})
		}
		if len(payloads) == 0 {
			payloads = append(payloads, wire.TextPayload{Body: header})
		}
		if withControls {
			payloads = append(payloads, wire.TextPayload{
				Body: strings.Join([]string{labelBack, labelMainMenu, labelAgent}, "\n"),
			})
		}
		return payloads

	default:
		var b strings.Builder
		b.WriteString(header)
		for _, it := range items {
			fmt.Fprintf(&b, "\n[ %s ] - %s", it.key, it.title)
		}
		if withControls {
			b.WriteString("\n\n" + labelBack + "\n" + labelMainMenu + "\n" + labelAgent)
		}
		return []wire.Payload{wire.TextPayload{Body: b.String()}}
	}
}

// queueItems builds the queue-selection menu: queues are picked by their
// 1-based position regardless of render mode.
func queueItems(queues []*store.Queue) []menuItem {
	items := make([]menuItem, 0, len(queues))
	for i, q := range queues {
		items = append(items, menuItem{key: strconv.Itoa(i + 1), title: q.Name})
	}
	return items
}
