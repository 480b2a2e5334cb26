package wire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"crawshaw.io/iox"
)

// Parser turns a byte stream into a sequence of Commands. One Parser is
// created per connection and reused across commands; it owns the
// underlying scanner so state (a partially read literal) survives
// across ParseCommand calls if the caller ever needs that, though in
// practice each call reads exactly one complete command.
type Parser struct {
	sc    *scanner
	filer *iox.Filer
}

// NewParser builds a parser reading from r. awaitContinue is called
// whenever a synchronizing literal requires the server to send
// "+ Ready for literal data" before the client will send the payload.
// maxLiteral is the configured literal size cap (spec default 20 MiB);
// zero means unlimited.
func NewParser(r *bufio.Reader, filer *iox.Filer, awaitContinue func() error, maxLiteral int64) *Parser {
	return &Parser{sc: newScanner(r, awaitContinue, maxLiteral), filer: filer}
}

// ParseCommand reads one full command line, resolving any literals
// inline. A lexical error yields a non-nil error with the tag (if it
// was successfully read) populated on the returned *Command so the
// caller can still produce a tagged BAD response.
func (p *Parser) ParseCommand() (*Command, error) {
	cmd := &Command{}

	if err := p.sc.skipSpaces(); err != nil {
		return cmd, err
	}
	tag, err := p.sc.readAtomBytes(true)
	if err != nil {
		return cmd, fmt.Errorf("wire: reading tag: %w", err)
	}
	cmd.Tag = tag

	if _, err := p.expectByte2(' '); err != nil {
		return cmd, err
	}

	nameBytes, err := p.sc.readAtomBytes(false)
	if err != nil {
		return cmd, err
	}
	name := strings.ToUpper(string(nameBytes))
	if name == "UID" {
		cmd.UID = true
		if _, err := p.expectByte2(' '); err != nil {
			return cmd, err
		}
		nameBytes, err = p.sc.readAtomBytes(false)
		if err != nil {
			return cmd, err
		}
		name = strings.ToUpper(string(nameBytes))
	}
	cmd.Name = name

	if err := p.parseArgs(cmd, name); err != nil {
		return cmd, err
	}
	return cmd, p.sc.expectCRLF()
}

func (p *Parser) peekIsSpace() bool {
	b, err := p.sc.peek()
	return err == nil && b == ' '
}

// parseArgs dispatches to a per-command argument parser. Commands with
// no arguments (CAPABILITY, NOOP, LOGOUT, STARTTLS, CHECK, CLOSE,
// EXPUNGE without UID, NAMESPACE, IDLE) fall through untouched.
func (p *Parser) parseArgs(cmd *Command, name string) error {
	switch name {
	case "CAPABILITY", "NOOP", "LOGOUT", "STARTTLS", "CHECK", "CLOSE", "NAMESPACE", "IDLE", "UNSELECT":
		return nil
	case "CANCELUPDATE":
		return p.parseParamsArg(cmd)
	case "EXPUNGE":
		if cmd.UID {
			return p.parseSequencesArg(cmd)
		}
		return nil
	case "LOGIN":
		return p.parseLogin(cmd)
	case "AUTHENTICATE":
		return p.parseAuthenticate(cmd)
	case "SELECT", "EXAMINE":
		return p.parseSelect(cmd)
	case "CREATE", "DELETE", "SUBSCRIBE", "UNSUBSCRIBE":
		return p.parseMailboxArg(cmd)
	case "RENAME":
		return p.parseRename(cmd)
	case "LIST", "LSUB":
		return p.parseList(cmd)
	case "STATUS":
		return p.parseStatus(cmd)
	case "APPEND":
		return p.parseAppend(cmd)
	case "ENABLE", "ID":
		return p.parseParamsArg(cmd)
	case "FETCH":
		return p.parseFetch(cmd)
	case "STORE":
		return p.parseStore(cmd)
	case "COPY", "MOVE":
		return p.parseCopyMove(cmd)
	case "SEARCH":
		return p.parseSearch(cmd)
	case "SORT":
		return p.parseSort(cmd)
	default:
		return fmt.Errorf("wire: unknown command %q", name)
	}
}

func (p *Parser) parseAstring() ([]byte, error) {
	b, err := p.sc.peek()
	if err != nil {
		return nil, err
	}
	switch {
	case b == '"':
		return p.sc.readQuoted()
	case b == '{':
		p.sc.next() // consume '{'
		return p.readLiteralBytes()
	default:
		return p.sc.readAtomBytes(false)
	}
}

func (p *Parser) readLiteralBytes() ([]byte, error) {
	buf, err := p.sc.readLiteral(p.filer)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	data, err := io.ReadAll(buf)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (p *Parser) parseLogin(cmd *Command) error {
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	u, err := p.parseAstring()
	if err != nil {
		return err
	}
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	pw, err := p.parseAstring()
	if err != nil {
		return err
	}
	cmd.Auth.Username = u
	cmd.Auth.Password = pw
	return nil
}

func (p *Parser) parseAuthenticate(cmd *Command) error {
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	mech, err := p.sc.readAtomBytes(false)
	if err != nil {
		return err
	}
	cmd.Auth.Mechanism = mech
	return nil
}

func (p *Parser) expectByte2(want byte) (byte, error) {
	b, err := p.sc.next()
	if err != nil {
		return 0, err
	}
	if b != want {
		return 0, fmt.Errorf("wire: expected %q got %q", want, b)
	}
	return b, nil
}

func (p *Parser) parseMailboxArg(cmd *Command) error {
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	m, err := p.parseAstring()
	if err != nil {
		return err
	}
	cmd.Mailbox = m
	return nil
}

func (p *Parser) parseSelect(cmd *Command) error {
	if err := p.parseMailboxArg(cmd); err != nil {
		return err
	}
	if p.peekIsSpace() {
		p.sc.next()
		if _, err := p.expectByte2('('); err != nil {
			return err
		}
		opt, err := p.sc.readAtomBytes(false)
		if err != nil {
			return err
		}
		if strings.EqualFold(string(opt), "CONDSTORE") {
			cmd.Condstore = true
		}
		if _, err := p.expectByte2(')'); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parser) parseRename(cmd *Command) error {
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	old, err := p.parseAstring()
	if err != nil {
		return err
	}
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	nw, err := p.parseAstring()
	if err != nil {
		return err
	}
	cmd.Rename.OldMailbox = old
	cmd.Rename.NewMailbox = nw
	return nil
}

func (p *Parser) parseList(cmd *Command) error {
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	if b, _ := p.sc.peek(); b == '(' {
		p.sc.next()
		for {
			opt, err := p.sc.readAtomBytes(false)
			if err != nil {
				return err
			}
			cmd.List.SelectOptions = append(cmd.List.SelectOptions, strings.ToUpper(string(opt)))
			b, err := p.sc.peek()
			if err != nil {
				return err
			}
			if b == ')' {
				p.sc.next()
				break
			}
			p.sc.next() // space
		}
		if _, err := p.expectByte2(' '); err != nil {
			return err
		}
	}
	ref, err := p.parseAstring()
	if err != nil {
		return err
	}
	cmd.List.ReferenceName = ref
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	glob, err := p.parseAstring()
	if err != nil {
		return err
	}
	cmd.List.MailboxGlob = glob

	if p.peekIsSpace() {
		p.sc.next()
		if _, err := p.expectByte2('R'); err != nil {
			return err
		}
		if _, err := p.skipAtomTail("ETURN"); err != nil {
			return err
		}
		if _, err := p.expectByte2(' '); err != nil {
			return err
		}
		if _, err := p.expectByte2('('); err != nil {
			return err
		}
		for {
			b, err := p.sc.peek()
			if err != nil {
				return err
			}
			if b == ')' {
				p.sc.next()
				break
			}
			opt, err := p.sc.readAtomBytes(false)
			if err != nil {
				return err
			}
			upper := strings.ToUpper(string(opt))
			if upper == "STATUS" {
				if _, err := p.expectByte2(' '); err != nil {
					return err
				}
				if _, err := p.expectByte2('('); err != nil {
					return err
				}
				items, err := p.parseStatusItems()
				if err != nil {
					return err
				}
				cmd.List.StatusItems = items
			} else {
				cmd.List.ReturnOptions = append(cmd.List.ReturnOptions, upper)
			}
			b, err = p.sc.peek()
			if err != nil {
				return err
			}
			if b == ' ' {
				p.sc.next()
			}
		}
	}
	return nil
}

func (p *Parser) skipAtomTail(tail string) (bool, error) {
	for i := 0; i < len(tail); i++ {
		if _, err := p.expectByte2(tail[i]); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (p *Parser) parseStatusItems() ([]StatusItem, error) {
	var items []StatusItem
	for {
		a, err := p.sc.readAtomBytes(false)
		if err != nil {
			return nil, err
		}
		items = append(items, statusItemFromName(string(a)))
		b, err := p.sc.peek()
		if err != nil {
			return nil, err
		}
		if b == ')' {
			p.sc.next()
			return items, nil
		}
		p.sc.next() // space
	}
}

func statusItemFromName(s string) StatusItem {
	switch strings.ToUpper(s) {
	case "MESSAGES":
		return StatusMessages
	case "RECENT":
		return StatusRecent
	case "UIDNEXT":
		return StatusUIDNext
	case "UIDVALIDITY":
		return StatusUIDValidity
	case "UNSEEN":
		return StatusUnseen
	case "HIGHESTMODSEQ":
		return StatusHighestModSeq
	default:
		return StatusUnknownItem
	}
}

func (p *Parser) parseStatus(cmd *Command) error {
	if err := p.parseMailboxArg(cmd); err != nil {
		return err
	}
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	if _, err := p.expectByte2('('); err != nil {
		return err
	}
	items, err := p.parseStatusItems()
	if err != nil {
		return err
	}
	cmd.Status.Items = items
	return nil
}

func (p *Parser) parseAppend(cmd *Command) error {
	if err := p.parseMailboxArg(cmd); err != nil {
		return err
	}
	for {
		if _, err := p.expectByte2(' '); err != nil {
			return err
		}
		var part AppendPart
		if b, _ := p.sc.peek(); b == '(' {
			p.sc.next()
			for {
				b, err := p.sc.peek()
				if err != nil {
					return err
				}
				if b == ')' {
					p.sc.next()
					break
				}
				fl, err := p.sc.readAtomBytes(false)
				if err != nil {
					return err
				}
				part.Flags = append(part.Flags, fl)
				if b, _ := p.sc.peek(); b == ' ' {
					p.sc.next()
				}
			}
			if _, err := p.expectByte2(' '); err != nil {
				return err
			}
		}
		if b, _ := p.sc.peek(); b == '"' {
			date, err := p.sc.readQuoted()
			if err != nil {
				return err
			}
			part.Date = date
			if _, err := p.expectByte2(' '); err != nil {
				return err
			}
		}
		if _, err := p.expectByte2('{'); err != nil {
			return err
		}
		lit, err := p.sc.readLiteral(p.filer)
		if err != nil {
			return err
		}
		part.Literal = lit
		cmd.Appends = append(cmd.Appends, part)

		b, err := p.sc.peek()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		if b != ' ' {
			break
		}
	}
	if len(cmd.Appends) == 1 {
		cmd.Literal = cmd.Appends[0].Literal
	}
	return nil
}

func (p *Parser) parseParamsArg(cmd *Command) error {
	for {
		b, err := p.sc.peek()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if b != ' ' {
			return nil
		}
		p.sc.next()
		if b2, _ := p.sc.peek(); b2 == '(' {
			p.sc.next()
			for {
				a, err := p.sc.readAtomBytes(false)
				if err != nil {
					return err
				}
				cmd.Params = append(cmd.Params, a)
				b3, err := p.sc.peek()
				if err != nil {
					return err
				}
				if b3 == ')' {
					p.sc.next()
					break
				}
				p.sc.next()
			}
			continue
		}
		a, err := p.parseAstring()
		if err != nil {
			return err
		}
		cmd.Params = append(cmd.Params, a)
	}
}

func (p *Parser) parseSequencesArg(cmd *Command) error {
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	seqs, err := p.parseSeqSet()
	if err != nil {
		return err
	}
	cmd.Sequences = seqs
	return nil
}

// parseSeqSet parses a sequence-set: comma separated runs of either a
// bare number, "*", or "a:b".
func (p *Parser) parseSeqSet() ([]SeqRange, error) {
	var out []SeqRange
	for {
		min, err := p.parseSeqNum()
		if err != nil {
			return nil, err
		}
		max := min
		if b, _ := p.sc.peek(); b == ':' {
			p.sc.next()
			max, err = p.parseSeqNum()
			if err != nil {
				return nil, err
			}
		}
		if max != 0 && min != 0 && min > max {
			min, max = max, min
		}
		out = append(out, SeqRange{Min: min, Max: max})
		b, err := p.sc.peek()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if b != ',' {
			break
		}
		p.sc.next()
	}
	return out, nil
}

func (p *Parser) parseSeqNum() (uint32, error) {
	b, err := p.sc.peek()
	if err != nil {
		return 0, err
	}
	if b == '*' {
		p.sc.next()
		return 0, nil
	}
	var digits []byte
	for {
		b, err := p.sc.peek()
		if err != nil {
			if err == io.EOF && len(digits) > 0 {
				break
			}
			return 0, err
		}
		if b < '0' || b > '9' {
			break
		}
		p.sc.next()
		digits = append(digits, b)
	}
	if len(digits) == 0 {
		return 0, fmt.Errorf("wire: expected sequence number")
	}
	n, err := strconv.ParseUint(string(digits), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func (p *Parser) parseFetch(cmd *Command) error {
	if err := p.parseSequencesArg(cmd); err != nil {
		return err
	}
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	b, err := p.sc.peek()
	if err != nil {
		return err
	}
	if b == '(' {
		p.sc.next()
		for {
			item, err := p.parseFetchItem()
			if err != nil {
				return err
			}
			cmd.FetchItems = append(cmd.FetchItems, item)
			b, err := p.sc.peek()
			if err != nil {
				return err
			}
			if b == ')' {
				p.sc.next()
				break
			}
			p.sc.next()
		}
	} else {
		item, err := p.parseFetchItem()
		if err != nil {
			return err
		}
		cmd.FetchItems = append(cmd.FetchItems, item)
	}
	cmd.FetchItems = expandFetchMacros(cmd.FetchItems)
	if p.peekIsSpace() {
		p.sc.next()
		if _, err := p.expectByte2('('); err != nil {
			return err
		}
		if _, err := p.skipAtomTail("CHANGEDSINCE "); err != nil {
			return err
		}
		var digits []byte
		for {
			b, err := p.sc.peek()
			if err != nil {
				return err
			}
			if b == ')' {
				p.sc.next()
				break
			}
			p.sc.next()
			digits = append(digits, b)
		}
		n, err := strconv.ParseInt(string(digits), 10, 64)
		if err != nil {
			return err
		}
		cmd.ChangedSince = n
	}
	return nil
}

func (p *Parser) parseFetchItem() (FetchItem, error) {
	a, err := p.sc.readAtomBytes(false)
	if err != nil {
		return FetchItem{}, err
	}
	name := strings.ToUpper(string(a))
	peek := false
	if strings.HasPrefix(name, "BODY.PEEK") {
		peek = true
		name = "BODY" + strings.TrimPrefix(name, "BODY.PEEK")
	}
	item := FetchItem{Peek: peek}
	switch {
	case strings.HasPrefix(name, "BODY["):
		item.Type = FetchBody
		sect, rest, err := parseSectionBracket(name[len("BODY"):])
		if err != nil {
			return item, err
		}
		item.Section = sect
		if rest != "" {
			if err := parsePartial(rest, &item); err != nil {
				return item, err
			}
		}
	case name == "BODY":
		item.Type = FetchBodyNonExt
	default:
		item.Type = FetchItemType(name)
	}
	return item, nil
}

// expandFetchMacros rewrites the ALL/FAST/FULL macro items (RFC 3501
// §6.4.5) into their constituent attributes. A macro may only appear
// as the sole fetch item, but callers don't enforce that here; any
// occurrence is expanded in place.
func expandFetchMacros(items []FetchItem) []FetchItem {
	var out []FetchItem
	for _, it := range items {
		switch it.Type {
		case FetchFast:
			out = append(out,
				FetchItem{Type: FetchFlags},
				FetchItem{Type: FetchInternalDate},
				FetchItem{Type: FetchRFC822Size})
		case FetchAll:
			out = append(out,
				FetchItem{Type: FetchFlags},
				FetchItem{Type: FetchInternalDate},
				FetchItem{Type: FetchRFC822Size},
				FetchItem{Type: FetchEnvelope})
		case FetchFull:
			out = append(out,
				FetchItem{Type: FetchFlags},
				FetchItem{Type: FetchInternalDate},
				FetchItem{Type: FetchRFC822Size},
				FetchItem{Type: FetchEnvelope},
				FetchItem{Type: FetchBodyNonExt})
		default:
			out = append(out, it)
		}
	}
	return out
}

func parseSectionBracket(s string) (FetchItemSection, string, error) {
	var sect FetchItemSection
	if !strings.HasPrefix(s, "[") {
		return sect, "", fmt.Errorf("wire: malformed BODY section")
	}
	end := strings.Index(s, "]")
	if end < 0 {
		return sect, "", fmt.Errorf("wire: unterminated BODY section")
	}
	inner := s[1:end]
	rest := s[end+1:]
	parts := strings.Fields(strings.ReplaceAll(inner, ".", " "))
	i := 0
	for i < len(parts) {
		if n, err := strconv.Atoi(parts[i]); err == nil {
			sect.Path = append(sect.Path, uint16(n))
			i++
			continue
		}
		break
	}
	if i < len(parts) {
		sect.Name = strings.ToUpper(parts[i])
		if sect.Name == "HEADER" && i+1 < len(parts) && parts[i+1] == "FIELDS" {
			sect.Name = "HEADER.FIELDS"
			i += 2
			if i < len(parts) && parts[i] == "NOT" {
				sect.Name = "HEADER.FIELDS.NOT"
				i++
			}
			for ; i < len(parts); i++ {
				sect.Headers = append(sect.Headers, []byte(parts[i]))
			}
		}
	}
	return sect, rest, nil
}

func parsePartial(rest string, item *FetchItem) error {
	rest = strings.TrimPrefix(rest, "<")
	rest = strings.TrimSuffix(rest, ">")
	bits := strings.SplitN(rest, ".", 2)
	start, err := strconv.ParseUint(bits[0], 10, 32)
	if err != nil {
		return err
	}
	item.Partial.Has = true
	item.Partial.Start = uint32(start)
	if len(bits) == 2 {
		length, err := strconv.ParseUint(bits[1], 10, 32)
		if err != nil {
			return err
		}
		item.Partial.Length = uint32(length)
	}
	return nil
}

func (p *Parser) parseStore(cmd *Command) error {
	if err := p.parseSequencesArg(cmd); err != nil {
		return err
	}
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	if b, _ := p.sc.peek(); b == '(' {
		p.sc.next()
		if _, err := p.skipAtomTail("UNCHANGEDSINCE "); err != nil {
			return err
		}
		var digits []byte
		for {
			b, err := p.sc.peek()
			if err != nil {
				return err
			}
			if b == ')' {
				p.sc.next()
				break
			}
			p.sc.next()
			digits = append(digits, b)
		}
		n, err := strconv.ParseInt(string(digits), 10, 64)
		if err != nil {
			return err
		}
		cmd.Store.UnchangedSince = n
		if _, err := p.expectByte2(' '); err != nil {
			return err
		}
	}
	mode, err := p.sc.readAtomBytes(false)
	if err != nil {
		return err
	}
	m := string(mode)
	switch {
	case strings.HasPrefix(m, "+"):
		cmd.Store.Mode = StoreAdd
		m = m[1:]
	case strings.HasPrefix(m, "-"):
		cmd.Store.Mode = StoreRemove
		m = m[1:]
	default:
		cmd.Store.Mode = StoreReplace
	}
	m = strings.ToUpper(m)
	cmd.Store.Silent = strings.HasSuffix(m, ".SILENT")

	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	if b, _ := p.sc.peek(); b == '(' {
		p.sc.next()
		for {
			b, err := p.sc.peek()
			if err != nil {
				return err
			}
			if b == ')' {
				p.sc.next()
				break
			}
			fl, err := p.sc.readAtomBytes(false)
			if err != nil {
				return err
			}
			cmd.Store.Flags = append(cmd.Store.Flags, fl)
			if b, _ := p.sc.peek(); b == ' ' {
				p.sc.next()
			}
		}
	} else {
		fl, err := p.sc.readAtomBytes(false)
		if err != nil {
			return err
		}
		cmd.Store.Flags = append(cmd.Store.Flags, fl)
	}
	return nil
}

func (p *Parser) parseCopyMove(cmd *Command) error {
	if err := p.parseSequencesArg(cmd); err != nil {
		return err
	}
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	m, err := p.parseAstring()
	if err != nil {
		return err
	}
	cmd.Mailbox = m
	return nil
}

func (p *Parser) parseSearch(cmd *Command) error {
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}

	// "RETURN (...)" and the start of a bare search program are both
	// introduced by a bare atom, so the first atom must be read before
	// we know which one we're in. If it isn't RETURN, feed it into the
	// ordinary search-key dispatcher as the program's first key instead
	// of re-reading it.
	var first *SearchOp
	if b, _ := p.sc.peek(); (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') {
		a, err := p.sc.readAtomBytes(false)
		if err != nil {
			return err
		}
		if strings.EqualFold(string(a), "RETURN") {
			if _, err := p.expectByte2(' '); err != nil {
				return err
			}
			if _, err := p.expectByte2('('); err != nil {
				return err
			}
			for {
				b, err := p.sc.peek()
				if err != nil {
					return err
				}
				if b == ')' {
					p.sc.next()
					break
				}
				opt, err := p.sc.readAtomBytes(false)
				if err != nil {
					return err
				}
				upper := strings.ToUpper(string(opt))
				if upper == "PARTIAL" {
					if _, err := p.expectByte2(' '); err != nil {
						return err
					}
					rng, err := p.parseSeqSet()
					if err != nil {
						return err
					}
					if len(rng) > 0 {
						cmd.Search.Partial = rng[0]
					}
				}
				cmd.Search.Return = append(cmd.Search.Return, upper)
				if b, _ := p.sc.peek(); b == ' ' {
					p.sc.next()
				}
			}
			if _, err := p.expectByte2(' '); err != nil {
				return err
			}
		} else {
			op, err := p.parseSearchKeyWord(strings.ToUpper(string(a)))
			if err != nil {
				return err
			}
			first = op
		}
	}
	op, err := p.parseSearchProgramFrom(first)
	if err != nil {
		return err
	}
	cmd.Search.Op = op
	return nil
}

// parseSearchProgram parses a sequence of search keys, implicitly
// AND-ed together, down to CRLF.
func (p *Parser) parseSearchProgram() (*SearchOp, error) {
	return p.parseSearchProgramFrom(nil)
}

// parseSearchProgramFrom parses a sequence of search keys, implicitly
// AND-ed together, down to CRLF. If first is non-nil it is used as the
// already-parsed first key (see parseSearch's RETURN lookahead).
func (p *Parser) parseSearchProgramFrom(first *SearchOp) (*SearchOp, error) {
	var children []SearchOp
	if first != nil {
		children = append(children, *first)
		b, err := p.sc.peek()
		if err != nil {
			if err == io.EOF {
				if len(children) == 1 {
					return &children[0], nil
				}
				return &SearchOp{Key: "AND", Children: children}, nil
			}
			return nil, err
		}
		if b == ' ' {
			p.sc.next()
		} else {
			return &children[0], nil
		}
	}
	for {
		op, err := p.parseSearchKey()
		if err != nil {
			return nil, err
		}
		children = append(children, *op)
		b, err := p.sc.peek()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if b != ' ' {
			break
		}
		p.sc.next()
	}
	if len(children) == 1 {
		return &children[0], nil
	}
	return &SearchOp{Key: "AND", Children: children}, nil
}

func (p *Parser) parseSearchKey() (*SearchOp, error) {
	b, err := p.sc.peek()
	if err != nil {
		return nil, err
	}
	if b == '(' {
		p.sc.next()
		var children []SearchOp
		for {
			op, err := p.parseSearchKey()
			if err != nil {
				return nil, err
			}
			children = append(children, *op)
			b, err := p.sc.peek()
			if err != nil {
				return nil, err
			}
			if b == ')' {
				p.sc.next()
				break
			}
			p.sc.next()
		}
		return &SearchOp{Key: "AND", Children: children}, nil
	}
	if b >= '0' && b <= '9' || b == '*' {
		seqs, err := p.parseSeqSet()
		if err != nil {
			return nil, err
		}
		return &SearchOp{Key: "SEQSET", Sequences: seqs}, nil
	}
	word, err := p.sc.readAtomBytes(false)
	if err != nil {
		return nil, err
	}
	return p.parseSearchKeyWord(strings.ToUpper(string(word)))
}

// parseSearchKeyWord dispatches on an already-read, already-uppercased
// search-key atom. Split out from parseSearchKey so parseSearch's
// RETURN-option lookahead (which must read that same atom to tell
// "RETURN (...)" from the start of a bare search program) can reuse
// the same dispatch table.
func (p *Parser) parseSearchKeyWord(key string) (*SearchOp, error) {
	switch key {
	case "ALL", "ANSWERED", "DELETED", "DRAFT", "FLAGGED", "NEW", "OLD", "RECENT",
		"SEEN", "UNANSWERED", "UNDELETED", "UNDRAFT", "UNFLAGGED", "UNSEEN":
		return &SearchOp{Key: SearchKey(key)}, nil
	case "NOT":
		if _, err := p.expectByte2(' '); err != nil {
			return nil, err
		}
		child, err := p.parseSearchKey()
		if err != nil {
			return nil, err
		}
		return &SearchOp{Key: "NOT", Children: []SearchOp{*child}}, nil
	case "OR":
		if _, err := p.expectByte2(' '); err != nil {
			return nil, err
		}
		a, err := p.parseSearchKey()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectByte2(' '); err != nil {
			return nil, err
		}
		c, err := p.parseSearchKey()
		if err != nil {
			return nil, err
		}
		return &SearchOp{Key: "OR", Children: []SearchOp{*a, *c}}, nil
	case "BCC", "BODY", "CC", "FROM", "SUBJECT", "TEXT", "TO", "KEYWORD", "UNKEYWORD":
		if _, err := p.expectByte2(' '); err != nil {
			return nil, err
		}
		v, err := p.parseAstring()
		if err != nil {
			return nil, err
		}
		return &SearchOp{Key: SearchKey(key), Value: string(v)}, nil
	case "HEADER":
		if _, err := p.expectByte2(' '); err != nil {
			return nil, err
		}
		field, err := p.parseAstring()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectByte2(' '); err != nil {
			return nil, err
		}
		v, err := p.parseAstring()
		if err != nil {
			return nil, err
		}
		return &SearchOp{Key: "HEADER", Value: string(field) + ": " + string(v)}, nil
	case "LARGER", "SMALLER":
		if _, err := p.expectByte2(' '); err != nil {
			return nil, err
		}
		n, err := p.parseAstring()
		if err != nil {
			return nil, err
		}
		num, err := strconv.ParseInt(string(n), 10, 64)
		if err != nil {
			return nil, err
		}
		return &SearchOp{Key: SearchKey(key), Num: num}, nil
	case "BEFORE", "ON", "SINCE", "SENTBEFORE", "SENTON", "SENTSINCE":
		if _, err := p.expectByte2(' '); err != nil {
			return nil, err
		}
		v, err := p.parseAstring()
		if err != nil {
			return nil, err
		}
		t, err := parseDate(string(v))
		if err != nil {
			return nil, err
		}
		return &SearchOp{Key: SearchKey(key), Date: t}, nil
	case "UID":
		if _, err := p.expectByte2(' '); err != nil {
			return nil, err
		}
		seqs, err := p.parseSeqSet()
		if err != nil {
			return nil, err
		}
		return &SearchOp{Key: "UID", Sequences: seqs}, nil
	default:
		return nil, fmt.Errorf("wire: unknown search key %q", key)
	}
}

func (p *Parser) parseSort(cmd *Command) error {
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	// A bare SORT's key list and ESORT's "RETURN (...)" clause are both
	// legal here; only RETURN is introduced by an atom, so peeking the
	// next byte (a letter vs '(') disambiguates without backtracking.
	if b, _ := p.sc.peek(); b != '(' {
		word, err := p.sc.readAtomBytes(false)
		if err != nil {
			return err
		}
		if !strings.EqualFold(string(word), "RETURN") {
			return fmt.Errorf("wire: expected RETURN or sort key list, got %q", word)
		}
		if _, err := p.expectByte2(' '); err != nil {
			return err
		}
		if _, err := p.expectByte2('('); err != nil {
			return err
		}
		for {
			b, err := p.sc.peek()
			if err != nil {
				return err
			}
			if b == ')' {
				p.sc.next()
				break
			}
			opt, err := p.sc.readAtomBytes(false)
			if err != nil {
				return err
			}
			upper := strings.ToUpper(string(opt))
			if upper == "PARTIAL" {
				if _, err := p.expectByte2(' '); err != nil {
					return err
				}
				rng, err := p.parseSeqSet()
				if err != nil {
					return err
				}
				if len(rng) > 0 {
					cmd.Search.Partial = rng[0]
				}
			}
			cmd.Search.Return = append(cmd.Search.Return, upper)
			if b, _ := p.sc.peek(); b == ' ' {
				p.sc.next()
			}
		}
		if _, err := p.expectByte2(' '); err != nil {
			return err
		}
	}
	if _, err := p.expectByte2('('); err != nil {
		return err
	}
	for {
		b, err := p.sc.peek()
		if err != nil {
			return err
		}
		if b == ')' {
			p.sc.next()
			break
		}
		word, err := p.sc.readAtomBytes(false)
		if err != nil {
			return err
		}
		up := strings.ToUpper(string(word))
		if up == "REVERSE" {
			if _, err := p.expectByte2(' '); err != nil {
				return err
			}
			field, err := p.sc.readAtomBytes(false)
			if err != nil {
				return err
			}
			cmd.Sort.Keys = append(cmd.Sort.Keys, SortKey{Field: SortField(strings.ToUpper(string(field))), Reverse: true})
		} else {
			cmd.Sort.Keys = append(cmd.Sort.Keys, SortKey{Field: SortField(up)})
		}
		if b, _ := p.sc.peek(); b == ' ' {
			p.sc.next()
		}
	}
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	charset, err := p.sc.readAtomBytes(false)
	if err != nil {
		return err
	}
	cmd.Sort.Charset = string(charset)
	if _, err := p.expectByte2(' '); err != nil {
		return err
	}
	op, err := p.parseSearchProgram()
	if err != nil {
		return err
	}
	cmd.Sort.Search = *op
	return nil
}

// FormatDateTime renders t in RFC 3501 INTERNALDATE form, which is
// deliberately NOT RFC 2822: "DD-Mon-YYYY HH:MM:SS +HHMM".
func FormatDateTime(t time.Time) string {
	return t.Format("02-Jan-2006 15:04:05 -0700")
}
