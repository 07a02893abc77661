package chunk

import (
	"context"
	"fmt"
	"strings"
)

// CodeChunkerOptions configures the code chunker behavior
type CodeChunkerOptions struct {
	MinChunkTokens int // Minimum tokens before a gap becomes its own Block chunk
	MaxChunkTokens int // Maximum tokens per chunk (default: DefaultMaxChunkTokens)
	OverlapTokens  int // Overlap between chunks when splitting (default: DefaultOverlapTokens)
	ContextLines   int // Lines of surrounding code captured in ContextPrev/ContextNext
}

// CodeChunker implements AST-aware code chunking using tree-sitter
type CodeChunker struct {
	parser    *Parser
	extractor *SymbolExtractor
	registry  *LanguageRegistry
	options   CodeChunkerOptions
}

// NewCodeChunker creates a new code chunker with default options
func NewCodeChunker() *CodeChunker {
	return NewCodeChunkerWithOptions(CodeChunkerOptions{})
}

// NewCodeChunkerWithOptions creates a new code chunker with custom options
func NewCodeChunkerWithOptions(opts CodeChunkerOptions) *CodeChunker {
	if opts.MinChunkTokens == 0 {
		opts.MinChunkTokens = MinChunkTokens
	}
	if opts.MaxChunkTokens == 0 {
		opts.MaxChunkTokens = DefaultMaxChunkTokens
	}
	if opts.OverlapTokens == 0 {
		opts.OverlapTokens = DefaultOverlapTokens
	}
	if opts.ContextLines == 0 {
		opts.ContextLines = 4
	}

	registry := DefaultRegistry()
	return &CodeChunker{
		parser:    NewParserWithRegistry(registry),
		extractor: NewSymbolExtractorWithRegistry(registry),
		registry:  registry,
		options:   opts,
	}
}

// Close releases chunker resources
func (c *CodeChunker) Close() {
	if c.parser != nil {
		c.parser.Close()
	}
}

// SupportedExtensions returns file extensions this chunker handles
func (c *CodeChunker) SupportedExtensions() []string {
	return c.registry.SupportedExtensions()
}

// Chunk splits a file into semantic chunks
func (c *CodeChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	if len(file.Content) == 0 {
		return nil, nil
	}

	// Check if language is supported
	_, supported := c.registry.GetByName(file.Language)
	if !supported {
		return c.chunkByLines(file)
	}

	// Parse the file
	tree, err := c.parser.Parse(ctx, file.Content, file.Language)
	if err != nil {
		// A syntactically invalid file produces fallback chunks, never an error.
		return c.chunkByLines(file)
	}

	fileBreadcrumb := fmt.Sprintf("File: %s", file.Path)

	symbolNodes := c.findSymbolNodes(tree, file.Language)

	if len(symbolNodes) == 0 {
		// Anchor chunk: ensures every indexable file contributes at least one chunk.
		return []*Chunk{c.anchorChunk(file, fileBreadcrumb)}, nil
	}

	chunks := make([]*Chunk, 0, len(symbolNodes)*2)
	lines := splitLines(file.Content)
	prevEndLine := 0

	for _, node := range symbolNodes {
		startLine := int(node.node.StartPoint.Row)

		if gap := c.gapChunk(file, lines, prevEndLine, startLine, fileBreadcrumb); gap != nil {
			chunks = append(chunks, gap)
		}

		nodeChunks := c.createChunksFromNode(node, tree, file, fileBreadcrumb, lines)
		chunks = append(chunks, nodeChunks...)

		prevEndLine = int(node.node.EndPoint.Row) + 1
	}

	if gap := c.gapChunk(file, lines, prevEndLine, len(lines), fileBreadcrumb); gap != nil {
		chunks = append(chunks, gap)
	}

	return chunks, nil
}

// symbolNodeInfo holds a symbol node with its extracted symbol info
type symbolNodeInfo struct {
	node   *Node
	symbol *Symbol
}

// findSymbolNodes finds all top-level symbol-defining nodes
func (c *CodeChunker) findSymbolNodes(tree *Tree, language string) []*symbolNodeInfo {
	config, ok := c.registry.GetByName(language)
	if !ok {
		return []*symbolNodeInfo{}
	}

	var symbolNodes []*symbolNodeInfo

	symbolTypes := make(map[string]SymbolType)
	for _, t := range config.FunctionTypes {
		symbolTypes[t] = SymbolTypeFunction
	}
	for _, t := range config.MethodTypes {
		symbolTypes[t] = SymbolTypeMethod
	}
	for _, t := range config.ClassTypes {
		symbolTypes[t] = SymbolTypeClass
	}
	for _, t := range config.InterfaceTypes {
		symbolTypes[t] = SymbolTypeInterface
	}
	for _, t := range config.TypeDefTypes {
		symbolTypes[t] = SymbolTypeType
	}
	for _, t := range config.ConstantTypes {
		symbolTypes[t] = SymbolTypeConstant
	}
	for _, t := range config.VariableTypes {
		symbolTypes[t] = SymbolTypeVariable
	}

	tree.Root.Walk(func(n *Node) bool {
		// Arrow functions / function expressions bound to a lexical
		// declaration classify as Function, not Constant; check first.
		if n.Type == "lexical_declaration" || n.Type == "variable_declaration" {
			sym := c.extractor.extractSpecialSymbol(n, tree.Source, language)
			if sym != nil {
				symbolNodes = append(symbolNodes, &symbolNodeInfo{node: n, symbol: sym})
				return true
			}
		}

		if symType, isSymbol := symbolTypes[n.Type]; isSymbol {
			sym := c.extractSymbol(n, tree, symType, language)
			if sym != nil {
				symbolNodes = append(symbolNodes, &symbolNodeInfo{node: n, symbol: sym})
			}
		}
		return true
	})

	return symbolNodes
}

// extractSymbol extracts symbol info from a node, classifying Method vs
// Function by checking whether the node's parent declaration list belongs
// to a class/struct/impl body.
func (c *CodeChunker) extractSymbol(n *Node, tree *Tree, symType SymbolType, language string) *Symbol {
	config, _ := c.registry.GetByName(language)
	name := c.extractor.extractName(n, tree.Source, config, language)
	if name == "" {
		return nil
	}

	docComment := c.extractor.extractDocComment(n, tree.Source, config)
	signature := c.extractor.extractSignature(n, tree.Source, symType, language)

	return &Symbol{
		Name:       name,
		Type:       symType,
		StartLine:  int(n.StartPoint.Row) + 1,
		EndLine:    int(n.EndPoint.Row) + 1,
		Signature:  signature,
		DocComment: docComment,
		NodeType:   n.Type,
	}
}

// createChunksFromNode creates one or more chunks from a symbol node
func (c *CodeChunker) createChunksFromNode(info *symbolNodeInfo, tree *Tree, file *FileInput, fileBreadcrumb string, fileLines []string) []*Chunk {
	node := info.node
	rawContent := string(tree.Source[node.StartByte:node.EndByte])
	if info.symbol.DocComment != "" {
		rawContent = c.getRawContentWithDocComment(node, tree.Source, info.symbol.DocComment)
	}

	breadcrumbs := []string{fileBreadcrumb, breadcrumbLabel(info.symbol)}
	startLine := int(node.StartPoint.Row)
	endLine := int(node.EndPoint.Row) + 1

	if estimateTokens(rawContent) <= c.options.MaxChunkTokens {
		chunk := c.buildChunk(file, rawContent, breadcrumbs, info.symbol.Kind(), startLine, endLine, info.symbol, fileLines, -1, 0)
		return []*Chunk{chunk}
	}

	return c.splitLargeSymbol(info, rawContent, file, breadcrumbs, startLine, fileLines)
}

// getRawContentWithDocComment gets raw content including doc comment
func (c *CodeChunker) getRawContentWithDocComment(n *Node, source []byte, docComment string) string {
	lineStart := int(n.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}

	docLines := strings.Count(docComment, "\n") + 1
	for i := 0; i < docLines && lineStart > 0; i++ {
		lineStart--
		for lineStart > 0 && source[lineStart-1] != '\n' {
			lineStart--
		}
	}

	return string(source[lineStart:n.EndByte])
}

// splitLargeSymbol splits a definition exceeding MaxChunkTokens into
// contiguous, self-contained parts carrying split_index/split_count and
// sharing breadcrumbs, per the size-bound invariant.
func (c *CodeChunker) splitLargeSymbol(info *symbolNodeInfo, content string, file *FileInput, breadcrumbs []string, startLine int, fileLines []string) []*Chunk {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 {
		return []*Chunk{}
	}

	maxLinesPerChunk := (c.options.MaxChunkTokens * TokensPerChar) / 80
	if maxLinesPerChunk < 20 {
		maxLinesPerChunk = 20
	}
	overlapLines := (c.options.OverlapTokens * TokensPerChar) / 80
	if overlapLines < 2 {
		overlapLines = 2
	}

	var parts []*Chunk
	var partLines [][]string
	var partStart []int

	for i := 0; i < len(lines); {
		end := i + maxLinesPerChunk
		if end > len(lines) {
			end = len(lines)
		}
		partLines = append(partLines, lines[i:end])
		partStart = append(partStart, startLine+i)

		next := end - overlapLines
		if next <= i || end >= len(lines) {
			break
		}
		i = next
	}

	for idx, pl := range partLines {
		chunkContent := strings.Join(pl, "\n")
		chunkStart := partStart[idx]
		chunkEnd := chunkStart + len(pl)

		sub := &Symbol{
			Name:      info.symbol.Name,
			Type:      info.symbol.Type,
			StartLine: chunkStart + 1,
			EndLine:   chunkEnd,
			NodeType:  info.symbol.NodeType,
		}

		chunk := c.buildChunk(file, chunkContent, breadcrumbs, info.symbol.Kind(), chunkStart, chunkEnd, sub, fileLines, idx, len(partLines))
		parts = append(parts, chunk)
	}

	return parts
}

// gapChunk turns the space between two definitions (or before the first /
// after the last) into a searchable Block chunk, provided it clears the
// minimum chunk size — imports, constants, and free code stay indexable.
func (c *CodeChunker) gapChunk(file *FileInput, fileLines []string, fromLine, toLine int, fileBreadcrumb string) *Chunk {
	if fromLine >= toLine || fromLine < 0 || toLine > len(fileLines) {
		return nil
	}
	content := strings.Join(fileLines[fromLine:toLine], "\n")
	if estimateTokens(content) < c.options.MinChunkTokens {
		return nil
	}

	sym := &Symbol{Name: "", Type: "", StartLine: fromLine + 1, EndLine: toLine}
	return c.buildChunk(file, content, []string{fileBreadcrumb}, KindBlock, fromLine, toLine, sym, fileLines, -1, 0)
}

// anchorChunk summarises a file with no recognised definitions so that
// every indexable file still contributes at least one chunk.
func (c *CodeChunker) anchorChunk(file *FileInput, fileBreadcrumb string) *Chunk {
	content := string(file.Content)
	lines := splitLines(file.Content)
	sym := &Symbol{Name: "", Type: "", StartLine: 1, EndLine: len(lines)}
	return c.buildChunk(file, content, []string{fileBreadcrumb}, KindBlock, 0, len(lines), sym, lines, -1, 0)
}

// buildChunk assembles a Chunk, computing its content hash and its
// ContextPrev/ContextNext surrounding-line windows.
func (c *CodeChunker) buildChunk(file *FileInput, rawContent string, breadcrumbs []string, kind Kind, startLine, endLine int, symbol *Symbol, fileLines []string, splitIndex, splitCount int) *Chunk {
	fullContent := combineBreadcrumbsAndContent(breadcrumbs, rawContent)

	symbols := []*Symbol{}
	if symbol != nil && symbol.Name != "" {
		symbols = []*Symbol{symbol}
	}

	var signature, docstring string
	if symbol != nil {
		signature = symbol.Signature
		docstring = symbol.DocComment
	}

	return &Chunk{
		ID:          generateChunkID(file.Path, fullContent),
		Path:        file.Path,
		Content:     fullContent,
		RawContent:  rawContent,
		Kind:        kind,
		Language:    file.Language,
		StartLine:   startLine,
		EndLine:     endLine,
		Context:     breadcrumbs,
		Signature:   signature,
		Docstring:   docstring,
		ContextPrev: surroundingLines(fileLines, startLine-c.options.ContextLines, startLine),
		ContextNext: surroundingLines(fileLines, endLine, endLine+c.options.ContextLines),
		SplitIndex:  splitIndex,
		SplitCount:  splitCount,
		Hash:        ComputeHash(fullContent),
		ContentType: ContentTypeCode,
		Symbols:     symbols,
		Metadata:    make(map[string]string),
	}
}

// breadcrumbLabel produces the stable "Kind: name" label extractors use
// to build breadcrumbs, e.g. "Function: foo", "Struct: Bar".
func breadcrumbLabel(s *Symbol) string {
	kind := s.Kind()
	title := strings.ToUpper(string(kind[:1])) + string(kind[1:])
	return fmt.Sprintf("%s: %s", title, s.Name)
}

// surroundingLines returns the [from, to) window of fileLines clamped to
// bounds, joined with newlines; used for ContextPrev/ContextNext.
func surroundingLines(fileLines []string, from, to int) string {
	if from < 0 {
		from = 0
	}
	if to > len(fileLines) {
		to = len(fileLines)
	}
	if from >= to {
		return ""
	}
	return strings.Join(fileLines[from:to], "\n")
}

func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	return strings.Split(string(content), "\n")
}

// chunkByLines is the fallback for unsupported languages or parse failures.
func (c *CodeChunker) chunkByLines(file *FileInput) ([]*Chunk, error) {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	lines := strings.Split(content, "\n")
	linesPerChunk := 128 // ~512 tokens at 4 chars per token, 80 chars per line
	overlapLines := 16   // ~64 tokens overlap
	fileBreadcrumb := fmt.Sprintf("File: %s", file.Path)

	var chunks []*Chunk

	for i := 0; i < len(lines); {
		end := i + linesPerChunk
		if end > len(lines) {
			end = len(lines)
		}

		chunkContent := strings.Join(lines[i:end], "\n")

		chunk := &Chunk{
			ID:          generateChunkID(file.Path, chunkContent),
			Path:        file.Path,
			Content:     chunkContent,
			RawContent:  chunkContent,
			Kind:        KindBlock,
			Language:    file.Language,
			StartLine:   i,
			EndLine:     end,
			Context:     []string{fileBreadcrumb},
			SplitIndex:  -1,
			Hash:        ComputeHash(chunkContent),
			ContentType: ContentTypeText,
			Metadata:    make(map[string]string),
		}
		chunks = append(chunks, chunk)

		next := end - overlapLines
		if next <= i || end >= len(lines) {
			break
		}
		i = next
	}

	return chunks, nil
}

// generateChunkID generates a content-addressable chunk ID from file path
// and content. Hashing the content first means identical content keeps a
// stable ID across line-number shifts; combining with the file path keeps
// the same content in different files distinct.
func generateChunkID(filePath string, content string) string {
	contentHash := ComputeHash(content)[:16]
	return ComputeHash(filePath + ":" + contentHash)[:16]
}

// estimateTokens estimates the number of tokens in content
func estimateTokens(content string) int {
	return len(content) / TokensPerChar
}

// combineBreadcrumbsAndContent joins breadcrumbs into the context header
// placed above raw content in Content, matching the labelled prepared-text
// scheme the embedding service reproduces for queries.
func combineBreadcrumbsAndContent(breadcrumbs []string, rawContent string) string {
	if len(breadcrumbs) == 0 {
		return rawContent
	}
	return strings.Join(breadcrumbs, " > ") + "\n\n" + rawContent
}
