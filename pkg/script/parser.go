package script

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/participle/v2"
)

// Parser parses bootstrap scripts.
type Parser struct {
	parser *participle.Parser[statement]
}

// NewParser creates a new script parser instance.
func NewParser() (*Parser, error) {
	parser, err := participle.Build[statement](
		participle.Lexer(ScriptLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.UseLookahead(2),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}
	return &Parser{parser: parser}, nil
}

// Parse parses a script from a reader. Blank and comment-only lines are
// skipped; every other line must be a known command.
func (p *Parser) Parse(r io.Reader) (*File, error) {
	return p.parse("", r)
}

// ParseString parses a script from a string.
func (p *Parser) ParseString(input string) (*File, error) {
	return p.parse("", strings.NewReader(input))
}

// ParseFile parses a script from a file path.
func (p *Parser) ParseFile(filename string) (*File, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.parse(filename, file)
}

func (p *Parser) parse(name string, r io.Reader) (*File, error) {
	f := &File{Name: name}
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := sc.Text()
		if isBlank(text) {
			continue
		}
		st, err := p.parser.ParseString(name, text)
		if err != nil {
			return nil, fmt.Errorf("parse error: line %d: %w", line, err)
		}
		f.Commands = append(f.Commands, &Command{
			Line:    line,
			Target:  st.Target,
			Set:     st.Set,
			Monitor: st.Monitor,
			Load:    st.Load,
			Compare: st.Compare,
			Break:   st.Break,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	return f, nil
}

func isBlank(line string) bool {
	line = strings.TrimSpace(line)
	return line == "" || strings.HasPrefix(line, "#")
}
