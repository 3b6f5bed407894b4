package dsl

import (
	"fmt"

	"github.com/rhythmhq/rhythm/pkg/rhythmerr"
)

// Parse lexes and parses source into a Program. It returns a
// *rhythmerr.ParseError on the first syntax error; validation (undeclared
// identifiers, const reassignment, etc.) happens separately in Validate.
func Parse(src string) (*Program, error) {
	toks, err := lex(src)
	if err != nil {
		pe := err.(*parseErr)
		return nil, &rhythmerr.ParseError{Message: pe.msg, Pos: pe.pos}
	}
	p := &parser{toks: toks}
	prog, err := p.parseProgram()
	if err != nil {
		pe := err.(*parseErr)
		return nil, &rhythmerr.ParseError{Message: pe.msg, Pos: pe.pos}
	}
	return prog, nil
}

type parser struct {
	toks []Token
	pos  int
}

func (p *parser) cur() Token  { return p.toks[p.pos] }
func (p *parser) atEnd() bool { return p.cur().Kind == TokEOF }

func (p *parser) advance() Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) check(k TokenKind) bool { return p.cur().Kind == k }

func (p *parser) expect(k TokenKind, what string) (Token, error) {
	if !p.check(k) {
		return Token{}, p.errf("expected %s, found %q", what, p.cur().Text)
	}
	return p.advance(), nil
}

func (p *parser) errf(format string, args ...any) error {
	return &parseErr{pos: p.cur().Start, msg: fmt.Sprintf(format, args...)}
}

// skipNewlines consumes zero or more statement-terminating newlines, used
// between statements and around block braces where blank lines are legal.
func (p *parser) skipNewlines() {
	for p.check(TokNewline) {
		p.advance()
	}
}

func (p *parser) parseProgram() (*Program, error) {
	start := p.cur().Start
	p.skipNewlines()
	var body []Stmt
	for !p.atEnd() {
		stmt, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		body = append(body, stmt)
		if err := p.endStmt(); err != nil {
			return nil, err
		}
	}
	end := start
	if len(body) > 0 {
		end = body[len(body)-1].span().End
	}
	return &Program{Span: Span{Start: start, End: end}, Body: body}, nil
}

// endStmt requires the statement just parsed to be followed by a newline,
// EOF, or a closing brace (the caller of parseBlock checks for the brace
// itself; endStmt just must not error on it).
func (p *parser) endStmt() error {
	if !p.check(TokNewline) && !p.atEnd() && !p.check(TokRBrace) {
		return p.errf("expected end of statement, found %q", p.cur().Text)
	}
	p.skipNewlines()
	return nil
}

func (p *parser) parseBlock() ([]Stmt, error) {
	if _, err := p.expect(TokLBrace, "'{'"); err != nil {
		return nil, err
	}
	p.skipNewlines()
	var body []Stmt
	for !p.check(TokRBrace) {
		if p.atEnd() {
			return nil, p.errf("unterminated block, expected '}'")
		}
		stmt, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		body = append(body, stmt)
		if err := p.endStmt(); err != nil {
			return nil, err
		}
	}
	p.advance() // '}'
	return body, nil
}

func (p *parser) parseStmt() (Stmt, error) {
	start := p.cur().Start
	switch p.cur().Kind {
	case TokLet:
		return p.parseLetOrConst(start, false)
	case TokConst:
		return p.parseLetOrConst(start, true)
	case TokIf:
		return p.parseIf()
	case TokWhile:
		return p.parseWhile()
	case TokFor:
		return p.parseForIn()
	case TokBreak:
		p.advance()
		return &BreakStmt{Span: Span{Start: start, End: p.prevEnd()}}, nil
	case TokContinue:
		p.advance()
		return &ContinueStmt{Span: Span{Start: start, End: p.prevEnd()}}, nil
	case TokReturn:
		return p.parseReturn(start)
	case TokTry:
		return p.parseTry()
	case TokLBrace:
		body, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		return &BlockStmt{Span: Span{Start: start, End: p.prevEnd()}, Body: body}, nil
	default:
		return p.parseExprOrAssignStmt(start)
	}
}

func (p *parser) prevEnd() int {
	if p.pos == 0 {
		return 0
	}
	return p.toks[p.pos-1].End
}

func (p *parser) parseLetOrConst(start int, isConst bool) (Stmt, error) {
	p.advance() // let/const
	name, err := p.expect(TokIdent, "identifier")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokAssign, "'='"); err != nil {
		return nil, err
	}
	value, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	sp := Span{Start: start, End: value.span().End}
	if isConst {
		return &ConstStmt{Span: sp, Name: name.Text, Value: value}, nil
	}
	return &LetStmt{Span: sp, Name: name.Text, Value: value}, nil
}

func (p *parser) parseIf() (Stmt, error) {
	start := p.cur().Start
	p.advance() // if
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return nil, err
	}
	then, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	stmt := &IfStmt{Span: Span{Start: start, End: p.prevEnd()}, Cond: cond, Then: then}

	save := p.pos
	p.skipNewlines()
	if p.check(TokElse) {
		p.advance()
		if p.check(TokIf) {
			elseIf, err := p.parseIf()
			if err != nil {
				return nil, err
			}
			stmt.Else = []Stmt{elseIf}
		} else {
			elseBody, err := p.parseBlock()
			if err != nil {
				return nil, err
			}
			stmt.Else = elseBody
		}
		stmt.End = p.prevEnd()
	} else {
		p.pos = save
	}
	return stmt, nil
}

func (p *parser) parseWhile() (Stmt, error) {
	start := p.cur().Start
	p.advance() // while
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &WhileStmt{Span: Span{Start: start, End: p.prevEnd()}, Cond: cond, Body: body}, nil
}

func (p *parser) parseForIn() (Stmt, error) {
	start := p.cur().Start
	p.advance() // for
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return nil, err
	}
	name, err := p.expect(TokIdent, "identifier")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokIn, "'in'"); err != nil {
		return nil, err
	}
	iterable, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &ForInStmt{Span: Span{Start: start, End: p.prevEnd()}, Name: name.Text, Iterable: iterable, Body: body}, nil
}

func (p *parser) parseReturn(start int) (Stmt, error) {
	p.advance() // return
	if p.check(TokNewline) || p.check(TokEOF) || p.check(TokRBrace) {
		return &ReturnStmt{Span: Span{Start: start, End: p.prevEnd()}}, nil
	}
	value, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &ReturnStmt{Span: Span{Start: start, End: value.span().End}, Value: value}, nil
}

func (p *parser) parseTry() (Stmt, error) {
	start := p.cur().Start
	p.advance() // try
	tryBody, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	p.skipNewlines()
	if _, err := p.expect(TokCatch, "'catch'"); err != nil {
		return nil, err
	}
	var catchName string
	if p.check(TokLParen) {
		p.advance()
		name, err := p.expect(TokIdent, "identifier")
		if err != nil {
			return nil, err
		}
		catchName = name.Text
		if _, err := p.expect(TokRParen, "')'"); err != nil {
			return nil, err
		}
	}
	catchBody, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &TryStmt{
		Span:      Span{Start: start, End: p.prevEnd()},
		Try:       tryBody,
		CatchName: catchName,
		Catch:     catchBody,
	}, nil
}

// parseExprOrAssignStmt disambiguates `target = expr` from a bare
// expression statement by parsing the left-hand expression first and
// checking for a following '='.
func (p *parser) parseExprOrAssignStmt(start int) (Stmt, error) {
	x, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.check(TokAssign) {
		switch x.(type) {
		case *Ident, *MemberExpr, *IndexExpr:
		default:
			return nil, &parseErr{pos: x.span().Start, msg: "invalid assignment target"}
		}
		p.advance() // '='
		value, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &AssignStmt{Span: Span{Start: start, End: value.span().End}, Target: x, Value: value}, nil
	}
	return &ExprStmt{Span: Span{Start: start, End: x.span().End}, X: x}, nil
}

// --- expressions ---
//
// The grammar has no infix operators (spec §4.B); "expression" is a
// primary expression optionally followed by member/index/call postfixes,
// with `await` as a prefix. parseExpr accepts `await` in any expression
// position; Validate reports the positions where it is not allowed.

func (p *parser) parseExpr() (Expr, error) {
	if p.check(TokAwait) {
		start := p.cur().Start
		p.advance()
		target, err := p.parsePostfix()
		if err != nil {
			return nil, err
		}
		return &AwaitExpr{Span: Span{Start: start, End: target.span().End}, Target: target}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Expr, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur().Kind {
		case TokDot:
			p.advance()
			name, err := p.expect(TokIdent, "identifier")
			if err != nil {
				return nil, err
			}
			x = &MemberExpr{Span: Span{Start: x.span().Start, End: name.End}, Object: x, Name: name.Text}
		case TokLBracket:
			p.advance()
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			end, err := p.expect(TokRBracket, "']'")
			if err != nil {
				return nil, err
			}
			x = &IndexExpr{Span: Span{Start: x.span().Start, End: end.End}, Object: x, Index: idx}
		case TokLParen:
			p.advance()
			var args []Expr
			for !p.check(TokRParen) {
				arg, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.check(TokComma) {
					p.advance()
					continue
				}
				break
			}
			end, err := p.expect(TokRParen, "')'")
			if err != nil {
				return nil, err
			}
			x = &CallExpr{Span: Span{Start: x.span().Start, End: end.End}, Callee: x, Args: args}
		default:
			return x, nil
		}
	}
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.cur()
	switch t.Kind {
	case TokIdent:
		p.advance()
		return &Ident{Span: Span{Start: t.Start, End: t.End}, Name: t.Text}, nil
	case TokNumber:
		p.advance()
		v, err := parseFloat(t.Text)
		if err != nil {
			return nil, &parseErr{pos: t.Start, msg: err.Error()}
		}
		return &NumberLit{Span: Span{Start: t.Start, End: t.End}, Value: v}, nil
	case TokString:
		p.advance()
		return &StringLit{Span: Span{Start: t.Start, End: t.End}, Value: t.Text}, nil
	case TokBoolean:
		p.advance()
		return &BoolLit{Span: Span{Start: t.Start, End: t.End}, Value: t.Text == "true"}, nil
	case TokNull:
		p.advance()
		return &NullLit{Span: Span{Start: t.Start, End: t.End}}, nil
	case TokLParen:
		p.advance()
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen, "')'"); err != nil {
			return nil, err
		}
		return x, nil
	case TokLBracket:
		return p.parseArrayLit()
	case TokLBrace:
		return p.parseObjectLit()
	default:
		return nil, p.errf("unexpected token %q", t.Text)
	}
}

func (p *parser) parseArrayLit() (Expr, error) {
	start := p.cur().Start
	p.advance() // '['
	var elems []Expr
	for !p.check(TokRBracket) {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
		if p.check(TokComma) {
			p.advance()
			continue
		}
		break
	}
	end, err := p.expect(TokRBracket, "']'")
	if err != nil {
		return nil, err
	}
	return &ArrayLit{Span: Span{Start: start, End: end.End}, Elements: elems}, nil
}

func (p *parser) parseObjectLit() (Expr, error) {
	start := p.cur().Start
	p.advance() // '{'
	var keys []string
	var values []Expr
	for !p.check(TokRBrace) {
		var key string
		switch p.cur().Kind {
		case TokIdent:
			key = p.advance().Text
		case TokString:
			key = p.advance().Text
		default:
			return nil, p.errf("expected object key, found %q", p.cur().Text)
		}
		if _, err := p.expect(TokColon, "':'"); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		values = append(values, val)
		if p.check(TokComma) {
			p.advance()
			continue
		}
		break
	}
	end, err := p.expect(TokRBrace, "'}'")
	if err != nil {
		return nil, err
	}
	return &ObjectLit{Span: Span{Start: start, End: end.End}, Keys: keys, Values: values}, nil
}
