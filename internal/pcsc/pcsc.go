// Package pcsc connects DESFire sessions and SAMs to PC/SC readers.
package pcsc

import (
	"strconv"
	"strings"
	"sync"

	"github.com/ebfe/scard"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Reader is a card connection in a PC/SC reader. It implements
// iso7816.Transmitter and desfire.Reconnecter.
type Reader struct {
	mu   sync.Mutex
	ctx  *scard.Context
	card *scard.Card
	Name string
}

// ListReaders returns the names of the connected readers.
func ListReaders() (readers []string, err error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "pcsc: establishing context")
	}
	defer func() { err = multierr.Append(err, ctx.Release()) }()

	readers, err = ctx.ListReaders()
	if err != nil {
		return nil, errors.Wrap(err, "pcsc: listing readers")
	}
	return readers, nil
}

// SelectReader picks a reader from the list. An empty selector takes the only
// reader, a number is an index, anything else must match a single name
// case-insensitively as a substring.
func SelectReader(readers []string, selector string) (string, error) {
	if len(readers) == 0 {
		return "", errors.New("pcsc: no reader connected")
	}
	if selector == "" {
		if len(readers) == 1 {
			return readers[0], nil
		}
		msg := "pcsc: multiple readers connected - please specify one of"
		for _, n := range readers {
			msg += "\n * '" + n + "'"
		}
		return "", errors.New(msg)
	}
	if i, err := strconv.Atoi(selector); err == nil {
		if i < 0 || i >= len(readers) {
			return "", errors.Errorf("pcsc: reader index %d out of range (0..%d)", i, len(readers)-1)
		}
		return readers[i], nil
	}
	var match []string
	for _, n := range readers {
		if n == selector {
			return n, nil
		}
		if strings.Contains(strings.ToLower(n), strings.ToLower(selector)) {
			match = append(match, n)
		}
	}
	switch len(match) {
	case 0:
		return "", errors.Errorf("pcsc: no reader matches %q", selector)
	case 1:
		return match[0], nil
	default:
		return "", errors.Errorf("pcsc: %q matches %d readers", selector, len(match))
	}
}

// Open connects to the card in the selected reader.
func Open(selector string) (r *Reader, err error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "pcsc: establishing context")
	}
	defer func() {
		if ctx != nil {
			err = multierr.Append(err, ctx.Release())
		}
	}()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, errors.Wrap(err, "pcsc: listing readers")
	}
	name, err := SelectReader(readers, selector)
	if err != nil {
		return nil, err
	}
	card, err := ctx.Connect(name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, errors.Wrapf(err, "pcsc: connecting to %q", name)
	}

	r = &Reader{ctx: ctx, card: card, Name: name}
	ctx = nil
	return r, nil
}

// Transmit sends one APDU.
func (r *Reader) Transmit(cmd []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card == nil {
		return nil, errors.New("pcsc: connection closed")
	}
	resp, err := r.card.Transmit(cmd)
	if err != nil {
		return nil, errors.Wrapf(err, "pcsc: transmit to %q", r.Name)
	}
	return resp, nil
}

// Reconnect resets the card, which drops any authentication it holds.
func (r *Reader) Reconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card == nil {
		return errors.New("pcsc: connection closed")
	}
	return errors.Wrapf(r.card.Reconnect(scard.ShareShared, scard.ProtocolAny, scard.ResetCard), "pcsc: reconnect %q", r.Name)
}

// Close disconnects the card and releases the context.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.card != nil {
		err = multierr.Append(err, r.card.Disconnect(scard.LeaveCard))
		r.card = nil
	}
	if r.ctx != nil {
		err = multierr.Append(err, r.ctx.Release())
		r.ctx = nil
	}
	return err
}
