// Package chatbot drives contacts through queue selection and each queue's
// option tree.
//
// # Overview
//
// The Navigator handles every contact message on an unassigned or
// bot-driven ticket. Out-of-hours checks run first; inside hours the message
// either picks a queue (by 1-based menu position) or navigates the assigned
// queue's tree.
//
// # Option Trees
//
// QueueOption rows form a tree per queue. Matching depends on the queue's
// render mode: text menus match the configured selector, interactive list
// and button menus match the numeric option id carried in the tapped row.
// Control keys work everywhere: "#" hands off to an agent, "00" returns to
// the root menu, "0" goes up one level. A node with exactly one child is
// skipped past. Finalize nodes send their message and close the ticket;
// wait-for-agent nodes send theirs and silence the bot.
//
// # Rendering
//
// renderMenu produces wire payloads for the three modes. Button menus are
// chunked at the network's three-button cap with "More options"
// continuation messages. A text payload identical to the last outbound
// message is suppressed so invalid input loops don't spam the contact.
//
// # Business Hours
//
// WithinHours evaluates weekly HH:MM windows. The schedule-type setting
// picks the source: "company" is open while any queue bound to the
// connection is open, "queue" uses the ticket's queue. Out-of-hours notices
// are debounced per ticket.
package chatbot
