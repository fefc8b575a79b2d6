// ABOUTME: Lexer and recursive descent parser for the DOT subset basin pipelines are written in.
// ABOUTME: Handles node/edge statements, attribute lists, defaults, chained edges, and comments.
package dot

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenType int

const (
	tokEOF tokenType = iota
	tokIdent
	tokString
	tokLBrace
	tokRBrace
	tokLBracket
	tokRBracket
	tokArrow
	tokEquals
	tokComma
	tokSemicolon
)

type token struct {
	typ  tokenType
	val  string
	line int
	col  int
}

// lex tokenizes DOT source. Comments (//, #, /* */) are skipped.
func lex(input string) ([]token, error) {
	runes := []rune(input)
	var tokens []token
	line, col := 1, 1
	pos := 0

	emit := func(t tokenType, v string) {
		tokens = append(tokens, token{typ: t, val: v, line: line, col: col})
	}
	advance := func(n int) {
		for i := 0; i < n && pos < len(runes); i++ {
			if runes[pos] == '\n' {
				line++
				col = 1
			} else {
				col++
			}
			pos++
		}
	}

	for pos < len(runes) {
		ch := runes[pos]
		switch {
		case unicode.IsSpace(ch):
			advance(1)
		case ch == '/' && pos+1 < len(runes) && runes[pos+1] == '/':
			for pos < len(runes) && runes[pos] != '\n' {
				advance(1)
			}
		case ch == '#':
			for pos < len(runes) && runes[pos] != '\n' {
				advance(1)
			}
		case ch == '/' && pos+1 < len(runes) && runes[pos+1] == '*':
			advance(2)
			for pos < len(runes) {
				if runes[pos] == '*' && pos+1 < len(runes) && runes[pos+1] == '/' {
					advance(2)
					break
				}
				advance(1)
			}
		case ch == '{':
			emit(tokLBrace, "{")
			advance(1)
		case ch == '}':
			emit(tokRBrace, "}")
			advance(1)
		case ch == '[':
			emit(tokLBracket, "[")
			advance(1)
		case ch == ']':
			emit(tokRBracket, "]")
			advance(1)
		case ch == '=':
			emit(tokEquals, "=")
			advance(1)
		case ch == ',':
			emit(tokComma, ",")
			advance(1)
		case ch == ';':
			emit(tokSemicolon, ";")
			advance(1)
		case ch == '-' && pos+1 < len(runes) && runes[pos+1] == '>':
			emit(tokArrow, "->")
			advance(2)
		case ch == '"':
			var sb strings.Builder
			startLine, startCol := line, col
			advance(1)
			closed := false
			for pos < len(runes) {
				c := runes[pos]
				if c == '\\' && pos+1 < len(runes) {
					next := runes[pos+1]
					switch next {
					case 'n':
						sb.WriteRune('\n')
					case 't':
						sb.WriteRune('\t')
					case '"':
						sb.WriteRune('"')
					case '\\':
						sb.WriteRune('\\')
					default:
						sb.WriteRune(next)
					}
					advance(2)
					continue
				}
				if c == '"' {
					advance(1)
					closed = true
					break
				}
				sb.WriteRune(c)
				advance(1)
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at line %d, col %d", startLine, startCol)
			}
			tokens = append(tokens, token{typ: tokString, val: sb.String(), line: startLine, col: startCol})
		case unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.' || ch == '-':
			var sb strings.Builder
			startLine, startCol := line, col
			for pos < len(runes) {
				c := runes[pos]
				if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '.' || c == '-' {
					sb.WriteRune(c)
					advance(1)
					continue
				}
				break
			}
			tokens = append(tokens, token{typ: tokIdent, val: sb.String(), line: startLine, col: startCol})
		default:
			return nil, fmt.Errorf("unexpected character %q at line %d, col %d", ch, line, col)
		}
	}
	tokens = append(tokens, token{typ: tokEOF, line: line, col: col})
	return tokens, nil
}

type parser struct {
	tokens       []token
	pos          int
	graph        *Graph
	nodeDefaults Attrs
	edgeDefaults Attrs
}

// Parse parses DOT source into a Graph.
func Parse(input string) (*Graph, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, fmt.Errorf("lex error: %w", err)
	}
	p := &parser{
		tokens:       tokens,
		graph:        NewGraph(""),
		nodeDefaults: make(Attrs),
		edgeDefaults: make(Attrs),
	}
	if err := p.parseGraph(); err != nil {
		return nil, err
	}
	return p.graph, nil
}

func (p *parser) current() token {
	if p.pos >= len(p.tokens) {
		return token{typ: tokEOF}
	}
	return p.tokens[p.pos]
}

func (p *parser) peek(offset int) token {
	idx := p.pos + offset
	if idx >= len(p.tokens) {
		return token{typ: tokEOF}
	}
	return p.tokens[idx]
}

func (p *parser) advance() token {
	tok := p.current()
	p.pos++
	return tok
}

func (p *parser) expect(typ tokenType) (token, error) {
	tok := p.current()
	if tok.typ != typ {
		return tok, fmt.Errorf("unexpected token %q at line %d, col %d", tok.val, tok.line, tok.col)
	}
	p.advance()
	return tok, nil
}

func (p *parser) parseGraph() error {
	tok := p.current()
	if tok.typ != tokIdent || !strings.EqualFold(tok.val, "digraph") {
		return fmt.Errorf("expected 'digraph' at line %d, col %d", tok.line, tok.col)
	}
	p.advance()

	if p.current().typ == tokIdent || p.current().typ == tokString {
		p.graph.Name = p.advance().val
	}
	if _, err := p.expect(tokLBrace); err != nil {
		return err
	}

	for {
		tok := p.current()
		switch tok.typ {
		case tokRBrace:
			p.advance()
			return nil
		case tokEOF:
			return fmt.Errorf("unexpected end of input: missing '}'")
		case tokSemicolon:
			p.advance()
		case tokIdent, tokString:
			if err := p.parseStatement(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected token %q at line %d, col %d", tok.val, tok.line, tok.col)
		}
	}
}

// parseStatement handles one of: graph attribute (k = v), node/edge defaults
// (node [..] / edge [..]), a node statement (id [..]), or an edge chain
// (a -> b -> c [..]).
func (p *parser) parseStatement() error {
	tok := p.current()

	// Graph attribute: ident = value
	if p.peek(1).typ == tokEquals {
		p.advance()
		p.advance()
		val := p.current()
		if val.typ != tokIdent && val.typ != tokString {
			return fmt.Errorf("expected attribute value at line %d, col %d", val.line, val.col)
		}
		p.advance()
		p.graph.Attrs[tok.val] = val.val
		return nil
	}

	// Defaults: node [...] or edge [...]
	if tok.typ == tokIdent && (tok.val == "node" || tok.val == "edge") && p.peek(1).typ == tokLBracket {
		p.advance()
		attrs, err := p.parseAttrList()
		if err != nil {
			return err
		}
		target := p.nodeDefaults
		if tok.val == "edge" {
			target = p.edgeDefaults
		}
		for k, v := range attrs {
			target[k] = v
		}
		return nil
	}

	first := p.advance().val

	// Edge chain: a -> b -> c [attrs]
	if p.current().typ == tokArrow {
		ids := []string{first}
		for p.current().typ == tokArrow {
			p.advance()
			id := p.current()
			if id.typ != tokIdent && id.typ != tokString {
				return fmt.Errorf("expected node id after '->' at line %d, col %d", id.line, id.col)
			}
			p.advance()
			ids = append(ids, id.val)
		}
		attrs := make(Attrs)
		if p.current().typ == tokLBracket {
			parsed, err := p.parseAttrList()
			if err != nil {
				return err
			}
			attrs = parsed
		}
		for i := 0; i+1 < len(ids); i++ {
			merged := p.edgeDefaults.Clone()
			for k, v := range attrs {
				merged[k] = v
			}
			p.ensureNode(ids[i])
			p.ensureNode(ids[i+1])
			p.graph.AddEdge(ids[i], ids[i+1], merged)
		}
		return nil
	}

	// Node statement: id [attrs]
	attrs := make(Attrs)
	if p.current().typ == tokLBracket {
		parsed, err := p.parseAttrList()
		if err != nil {
			return err
		}
		attrs = parsed
	}
	merged := p.nodeDefaults.Clone()
	for k, v := range attrs {
		merged[k] = v
	}
	p.graph.AddNode(first, merged)
	return nil
}

// ensureNode creates a node with current defaults if it was only ever
// referenced from an edge statement.
func (p *parser) ensureNode(id string) {
	if _, ok := p.graph.Nodes[id]; !ok {
		p.graph.AddNode(id, p.nodeDefaults.Clone())
	}
}

// parseAttrList parses "[ k=v, k2=v2 ]". Commas and semicolons between
// entries are optional, matching Graphviz.
func (p *parser) parseAttrList() (Attrs, error) {
	if _, err := p.expect(tokLBracket); err != nil {
		return nil, err
	}
	attrs := make(Attrs)
	for {
		tok := p.current()
		switch tok.typ {
		case tokRBracket:
			p.advance()
			return attrs, nil
		case tokComma, tokSemicolon:
			p.advance()
		case tokIdent, tokString:
			key := p.advance().val
			if _, err := p.expect(tokEquals); err != nil {
				return nil, err
			}
			val := p.current()
			if val.typ != tokIdent && val.typ != tokString {
				return nil, fmt.Errorf("expected attribute value at line %d, col %d", val.line, val.col)
			}
			p.advance()
			attrs[key] = val.val
		case tokEOF:
			return nil, fmt.Errorf("unexpected end of input: missing ']'")
		default:
			return nil, fmt.Errorf("unexpected token %q in attribute list at line %d, col %d", tok.val, tok.line, tok.col)
		}
	}
}
