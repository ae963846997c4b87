package tool

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/cloudwego/eino/schema"
)

type MathEvaluateOutput struct {
	Expression string  `json:"expression"`
	Result     float64 `json:"result"`
}

func MathSpec() Spec {
	return Spec{
		Name: ToolMathEvaluate,
		Desc: "Evaluate an arithmetic expression. Supports + - * / % ^, parentheses, the constants pi and e, and sqrt, abs, ln, log10, exp, round, min, max.",
		Params: map[string]*schema.ParameterInfo{
			"expression": {Type: schema.String, Desc: "Expression to evaluate, e.g. (120 - 80) / 2", Required: true},
		},
		Run: runMath,
	}
}

func runMath(_ context.Context, args map[string]any) (any, error) {
	expression, err := stringArg(args, "expression")
	if err != nil {
		return nil, err
	}
	expression = strings.TrimSpace(expression)
	result, err := evaluateMathExpression(expression)
	if err != nil {
		return nil, err
	}
	return MathEvaluateOutput{Expression: expression, Result: result}, nil
}

const maxExpressionLen = 512

func evaluateMathExpression(expression string) (float64, error) {
	if expression == "" {
		return 0, fmt.Errorf("expression is empty")
	}
	if len(expression) > maxExpressionLen {
		return 0, fmt.Errorf("expression longer than %d characters", maxExpressionLen)
	}
	tokens, err := tokenize(expression)
	if err != nil {
		return 0, err
	}
	p := &exprParser{tokens: tokens}
	value, err := p.expr()
	if err != nil {
		return 0, err
	}
	if !p.done() {
		return 0, fmt.Errorf("unexpected %q", p.peek().text)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("result is not a finite number")
	}
	return value, nil
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp
)

type token struct {
	kind  tokenKind
	text  string
	value float64
}

func tokenize(s string) ([]token, error) {
	var out []token
	for i := 0; i < len(s); {
		ch := rune(s[i])
		switch {
		case unicode.IsSpace(ch):
			i++
		case unicode.IsDigit(ch) || ch == '.':
			j := i
			for j < len(s) && (unicode.IsDigit(rune(s[j])) || s[j] == '.') {
				j++
			}
			// exponent suffix such as 1e-3
			if j < len(s) && (s[j] == 'e' || s[j] == 'E') && j+1 < len(s) {
				k := j + 1
				if s[k] == '+' || s[k] == '-' {
					k++
				}
				if k < len(s) && unicode.IsDigit(rune(s[k])) {
					for k < len(s) && unicode.IsDigit(rune(s[k])) {
						k++
					}
					j = k
				}
			}
			v, err := strconv.ParseFloat(s[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", s[i:j])
			}
			out = append(out, token{kind: tokNumber, text: s[i:j], value: v})
			i = j
		case unicode.IsLetter(ch):
			j := i
			for j < len(s) && (unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j]))) {
				j++
			}
			out = append(out, token{kind: tokIdent, text: strings.ToLower(s[i:j])})
			i = j
		case strings.ContainsRune("+-*/%^(),", ch):
			out = append(out, token{kind: tokOp, text: string(ch)})
			i++
		default:
			return nil, fmt.Errorf("invalid character %q", ch)
		}
	}
	return out, nil
}

// exprParser evaluates with the usual precedence; ^ is right associative.
type exprParser struct {
	tokens []token
	pos    int
}

func (p *exprParser) done() bool { return p.pos >= len(p.tokens) }

func (p *exprParser) peek() token {
	if p.done() {
		return token{}
	}
	return p.tokens[p.pos]
}

func (p *exprParser) accept(op string) bool {
	if t := p.peek(); t.kind == tokOp && t.text == op && !p.done() {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) expr() (float64, error) {
	left, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		switch {
		case p.accept("+"):
			right, err := p.term()
			if err != nil {
				return 0, err
			}
			left += right
		case p.accept("-"):
			right, err := p.term()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) term() (float64, error) {
	left, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		var op string
		switch {
		case p.accept("*"):
			op = "*"
		case p.accept("/"):
			op = "/"
		case p.accept("%"):
			op = "%"
		default:
			return left, nil
		}
		right, err := p.unary()
		if err != nil {
			return 0, err
		}
		switch op {
		case "*":
			left *= right
		case "/":
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case "%":
			if right == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			left = math.Mod(left, right)
		}
	}
}

func (p *exprParser) unary() (float64, error) {
	if p.accept("+") {
		return p.unary()
	}
	if p.accept("-") {
		v, err := p.unary()
		return -v, err
	}
	return p.power()
}

func (p *exprParser) power() (float64, error) {
	base, err := p.primary()
	if err != nil {
		return 0, err
	}
	if p.accept("^") {
		exp, err := p.unary()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) primary() (float64, error) {
	if p.done() {
		return 0, fmt.Errorf("unexpected end of expression")
	}
	t := p.tokens[p.pos]
	switch t.kind {
	case tokNumber:
		p.pos++
		return t.value, nil
	case tokIdent:
		p.pos++
		if p.accept("(") {
			return p.call(t.text)
		}
		switch t.text {
		case "pi":
			return math.Pi, nil
		case "e":
			return math.E, nil
		}
		return 0, fmt.Errorf("unknown identifier %q", t.text)
	}
	if p.accept("(") {
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		if !p.accept(")") {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		return v, nil
	}
	return 0, fmt.Errorf("unexpected %q", t.text)
}

func (p *exprParser) call(name string) (float64, error) {
	var args []float64
	if !p.accept(")") {
		for {
			v, err := p.expr()
			if err != nil {
				return 0, err
			}
			args = append(args, v)
			if p.accept(")") {
				break
			}
			if !p.accept(",") {
				return 0, fmt.Errorf("expected , or ) in call to %s", name)
			}
		}
	}

	unary := func(fn func(float64) float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("%s takes 1 argument", name)
		}
		return fn(args[0]), nil
	}
	switch name {
	case "sqrt":
		if len(args) == 1 && args[0] < 0 {
			return 0, fmt.Errorf("sqrt of negative number")
		}
		return unary(math.Sqrt)
	case "abs":
		return unary(math.Abs)
	case "ln":
		return unary(math.Log)
	case "log10", "log":
		return unary(math.Log10)
	case "exp":
		return unary(math.Exp)
	case "round":
		return unary(math.Round)
	case "min", "max":
		if len(args) == 0 {
			return 0, fmt.Errorf("%s needs at least 1 argument", name)
		}
		out := args[0]
		for _, v := range args[1:] {
			if name == "min" {
				out = math.Min(out, v)
			} else {
				out = math.Max(out, v)
			}
		}
		return out, nil
	default:
		return 0, fmt.Errorf("unknown function %q", name)
	}
}
