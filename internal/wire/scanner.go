package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"crawshaw.io/iox"
)

// tokenKind enumerates the lexical categories the scanner produces.
// IMAP's grammar is not regular once literals are involved (a literal's
// length prefix tells the reader how many raw octets follow, which may
// themselves contain anything including CRLF), so this is a hand
// written streaming scanner rather than a line-oriented one.
type tokenKind int

const (
	tokEOF tokenKind = iota
	tokAtom
	tokNumber
	tokString // quoted string or literal, value already unescaped
	tokListStart
	tokListEnd
	tokNIL
)

// scanner tokenizes one octet stream of IMAP client commands. It holds
// enough state to resume across a synchronizing literal's "+ Ready for
// literal data" continuation.
type scanner struct {
	r   *bufio.Reader
	err error

	// awaitContinue is invoked by readLiteral before blocking to read a
	// synchronizing ({n}) literal's payload; it must write the
	// continuation response and flush.
	awaitContinue func() error

	maxLiteral int64

	tok    tokenKind
	bytes  []byte
	number uint64
}

var (
	errUnterminatedString = errors.New("wire: unterminated quoted string")
	errLiteralTooLarge    = errors.New("wire: literal exceeds configured maximum")
	errUnexpectedNUL      = errors.New("wire: unexpected NUL octet")
)

func newScanner(r *bufio.Reader, awaitContinue func() error, maxLiteral int64) *scanner {
	return &scanner{r: r, awaitContinue: awaitContinue, maxLiteral: maxLiteral}
}

func (s *scanner) peek() (byte, error) {
	b, err := s.r.Peek(1)
	if err != nil {
		return 0, err
	}
	if b[0] == 0 {
		return 0, errUnexpectedNUL
	}
	return b[0], nil
}

func (s *scanner) next() (byte, error) {
	b, err := s.r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b == 0 {
		return 0, errUnexpectedNUL
	}
	return b, nil
}

func (s *scanner) skipSpaces() error {
	for {
		b, err := s.peek()
		if err != nil {
			return err
		}
		if b != ' ' && b != '\t' {
			return nil
		}
		s.r.ReadByte()
	}
}

func is7BitPrint(b byte) bool {
	return b >= 0x21 && b <= 0x7e
}

const atomSpecials = "(){%*\"\\]"

func isAtomChar(b byte) bool {
	if !is7BitPrint(b) {
		return false
	}
	for i := 0; i < len(atomSpecials); i++ {
		if atomSpecials[i] == b {
			return false
		}
	}
	return true
}

// readAtomBytes consumes an atom (or, loosely, a tag: tags additionally
// forbid '+'). A leading '\' is accepted so that a system flag such as
// \Seen reads as one atom.
func (s *scanner) readAtomBytes(forbidPlus bool) ([]byte, error) {
	var out []byte
	for {
		b, err := s.peek()
		if err != nil {
			if err == io.EOF && len(out) > 0 {
				return out, nil
			}
			return out, err
		}
		if b == ' ' || b == '\r' || b == '\n' || b == ')' {
			break
		}
		if !(isAtomChar(b) || (b == '\\' && len(out) == 0)) || (forbidPlus && b == '+') {
			break
		}
		s.r.ReadByte()
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("wire: expected atom")
	}
	return out, nil
}

func (s *scanner) readQuoted() ([]byte, error) {
	if _, err := s.next(); err != nil { // opening quote
		return nil, err
	}
	var out []byte
	for {
		b, err := s.next()
		if err != nil {
			if err == io.EOF {
				return nil, errUnterminatedString
			}
			return nil, err
		}
		switch b {
		case '"':
			return out, nil
		case '\r', '\n':
			return nil, fmt.Errorf("wire: bare CR/LF in quoted string")
		case '\\':
			esc, err := s.next()
			if err != nil {
				return nil, err
			}
			if esc != '\\' && esc != '"' {
				return nil, fmt.Errorf("wire: invalid escape %q in quoted string", esc)
			}
			out = append(out, esc)
		default:
			out = append(out, b)
		}
	}
}

// readLiteral parses the "{n}" / "{n+}" marker (the opening brace has
// already been consumed by the caller context check), reads the
// trailing CRLF, issues a continuation request for synchronizing
// literals, and then reads exactly n octets into a fresh buffer file.
func (s *scanner) readLiteral(filer *iox.Filer) (*iox.BufferFile, error) {
	var digits []byte
	for {
		b, err := s.next()
		if err != nil {
			return nil, err
		}
		if b == '+' || b == '}' {
			sync := b == '}'
			if !sync {
				// consume the trailing '}'
				if nb, err := s.next(); err != nil || nb != '}' {
					return nil, fmt.Errorf("wire: malformed literal length")
				}
			}
			n, err := strconv.ParseInt(string(digits), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("wire: malformed literal length: %w", err)
			}
			if s.maxLiteral > 0 && n > s.maxLiteral {
				return nil, errLiteralTooLarge
			}
			if err := s.expectCRLF(); err != nil {
				return nil, err
			}
			if sync && s.awaitContinue != nil {
				if err := s.awaitContinue(); err != nil {
					return nil, err
				}
			}
			buf := filer.BufferFile(n)
			if n > 0 {
				if _, err := io.CopyN(buf, s.r, n); err != nil {
					buf.Close()
					return nil, err
				}
			}
			if _, err := buf.Seek(0, io.SeekStart); err != nil {
				buf.Close()
				return nil, err
			}
			return buf, nil
		}
		if b < '0' || b > '9' {
			return nil, fmt.Errorf("wire: malformed literal length")
		}
		digits = append(digits, b)
	}
}

func (s *scanner) expectCRLF() error {
	b, err := s.next()
	if err != nil {
		return err
	}
	if b != '\r' {
		return fmt.Errorf("wire: expected CR, got %q", b)
	}
	b, err = s.next()
	if err != nil {
		return err
	}
	if b != '\n' {
		return fmt.Errorf("wire: expected LF, got %q", b)
	}
	return nil
}

// parseDate parses a quoted or bare IMAP date (used by SEARCH BEFORE/
// ON/SINCE and family): "DD-Mon-YYYY".
func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{"2-Jan-2006", "02-Jan-2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("wire: malformed date %q", s)
}
