// Package rag keeps the workspace searchable: it chunks files (AST where a
// parser exists, sliding window otherwise), embeds chunks through a
// content-hash cache, mirrors them into the vector store with metadata in
// SQL, and watches the filesystem for incremental re-indexing. A separate
// knowledge indexer handles per-module documentation collections.
package rag

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"
)

// ChunkKind classifies what a chunk covers.
type ChunkKind string

const (
	ChunkKindHeuristic ChunkKind = "heuristic"
	ChunkKindFunction  ChunkKind = "function"
	ChunkKindClass     ChunkKind = "class"
	ChunkKindMethod    ChunkKind = "method"
	ChunkKindInterface ChunkKind = "interface"
	ChunkKindEnum      ChunkKind = "enum"
)

// Chunk is a contiguous slice of a file. Lines are 1-based inclusive.
// Byte offsets are exact for AST chunks and line-accumulated approximations
// for heuristic ones.
type Chunk struct {
	Index     int
	StartLine int
	EndLine   int
	StartByte int64
	EndByte   int64
	Content   string
	Kind      ChunkKind
}

// Symbol is a best-effort code element extracted alongside AST chunks.
type Symbol struct {
	Name          string
	QualifiedName string
	Kind          string
	StartLine     int
	EndLine       int
	Signature     string
	Parent        string

	// ChunkIndex links the symbol to the chunk that covers it, -1 when
	// none does.
	ChunkIndex int
}

// Chunker splits file content, preferring an AST pass and falling back to
// a sliding window.
type Chunker struct {
	window  int
	overlap int
}

// NewChunker creates a chunker with the given sliding-window geometry.
func NewChunker(window, overlap int) (*Chunker, error) {
	if window <= 0 {
		return nil, fmt.Errorf("chunk window must be positive")
	}
	if overlap < 0 || overlap >= window {
		return nil, fmt.Errorf("chunk overlap must be in [0, window)")
	}
	return &Chunker{window: window, overlap: overlap}, nil
}

// Chunk splits content. Go sources go through go/parser; everything else
// (and Go files the parser rejects or yields nothing for) takes the
// sliding-window path. Empty content yields no chunks and no error.
func (c *Chunker) Chunk(path, content string) ([]Chunk, []Symbol, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, nil
	}

	if strings.EqualFold(filepath.Ext(path), ".go") {
		chunks, symbols := c.chunkGo(path, content)
		if len(chunks) > 0 {
			return chunks, symbols, nil
		}
	}

	return c.chunkSlidingWindow(content), nil, nil
}

// chunkGo emits one chunk and one symbol per top-level declaration:
// functions, methods, struct/interface types, and const blocks (enums).
func (c *Chunker) chunkGo(path, content string) ([]Chunk, []Symbol) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if err != nil {
		return nil, nil
	}

	pkgName := ""
	if file.Name != nil {
		pkgName = file.Name.Name
	}

	var chunks []Chunk
	var symbols []Symbol

	appendDecl := func(node ast.Node, name, qualified, kind string, signature, parent string) {
		start := fset.Position(node.Pos())
		end := fset.Position(node.End())
		if start.Offset < 0 || end.Offset > len(content) || start.Offset >= end.Offset {
			return
		}

		idx := len(chunks)
		chunks = append(chunks, Chunk{
			Index:     idx,
			StartLine: start.Line,
			EndLine:   end.Line,
			StartByte: int64(start.Offset),
			EndByte:   int64(end.Offset),
			Content:   content[start.Offset:end.Offset],
			Kind:      chunkKindForSymbol(kind),
		})
		symbols = append(symbols, Symbol{
			Name:          name,
			QualifiedName: qualified,
			Kind:          kind,
			StartLine:     start.Line,
			EndLine:       end.Line,
			Signature:     signature,
			Parent:        parent,
			ChunkIndex:    idx,
		})
	}

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			name := d.Name.Name
			kind := "function"
			parent := ""
			qualified := pkgName + "." + name
			if d.Recv != nil && len(d.Recv.List) > 0 {
				kind = "method"
				parent = receiverTypeName(d.Recv.List[0].Type)
				qualified = pkgName + "." + parent + "." + name
			}
			appendDecl(d, name, qualified, kind, funcSignature(d, content, fset), parent)

		case *ast.GenDecl:
			switch d.Tok {
			case token.TYPE:
				for _, spec := range d.Specs {
					ts, ok := spec.(*ast.TypeSpec)
					if !ok {
						continue
					}
					kind := "class"
					if _, isIface := ts.Type.(*ast.InterfaceType); isIface {
						kind = "interface"
					}
					// Single-spec decls take the whole block so doc
					// comments stay attached.
					var node ast.Node = ts
					if len(d.Specs) == 1 {
						node = d
					}
					appendDecl(node, ts.Name.Name, pkgName+"."+ts.Name.Name, kind, "", "")
				}

			case token.CONST:
				name := constBlockName(d)
				if name == "" {
					continue
				}
				appendDecl(d, name, pkgName+"."+name, "enum", "", "")
			}
		}
	}

	return chunks, symbols
}

// chunkSlidingWindow emits fixed windows of c.window lines stepping by
// window-overlap, so consecutive start lines differ by exactly that step.
func (c *Chunker) chunkSlidingWindow(content string) []Chunk {
	lines := strings.Split(content, "\n")
	// A trailing newline produces one empty trailing element; drop it so
	// line counts match what editors show.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil
	}

	// Byte offset of each line start, accumulated from line lengths.
	offsets := make([]int64, len(lines)+1)
	for i, line := range lines {
		offsets[i+1] = offsets[i] + int64(len(line)) + 1
	}

	step := c.window - c.overlap
	var chunks []Chunk
	for start := 0; start < len(lines); start += step {
		end := start + c.window
		if end > len(lines) {
			end = len(lines)
		}

		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			StartLine: start + 1,
			EndLine:   end,
			StartByte: offsets[start],
			EndByte:   offsets[end],
			Content:   strings.Join(lines[start:end], "\n"),
			Kind:      ChunkKindHeuristic,
		})

		if end == len(lines) {
			break
		}
	}
	return chunks
}

func chunkKindForSymbol(kind string) ChunkKind {
	switch kind {
	case "function":
		return ChunkKindFunction
	case "method":
		return ChunkKindMethod
	case "interface":
		return ChunkKindInterface
	case "enum":
		return ChunkKindEnum
	default:
		return ChunkKindClass
	}
}

func receiverTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverTypeName(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverTypeName(t.X)
	case *ast.IndexListExpr:
		return receiverTypeName(t.X)
	}
	return ""
}

// funcSignature returns the declaration line up to the body.
func funcSignature(d *ast.FuncDecl, content string, fset *token.FileSet) string {
	start := fset.Position(d.Pos()).Offset
	end := fset.Position(d.End()).Offset
	if d.Body != nil {
		end = fset.Position(d.Body.Lbrace).Offset
	}
	if start < 0 || end > len(content) || start >= end {
		return ""
	}
	return strings.TrimSpace(content[start:end])
}

// constBlockName names a const block after its first named constant.
func constBlockName(d *ast.GenDecl) string {
	for _, spec := range d.Specs {
		vs, ok := spec.(*ast.ValueSpec)
		if !ok {
			continue
		}
		for _, name := range vs.Names {
			if name.Name != "_" {
				return name.Name
			}
		}
	}
	return ""
}
