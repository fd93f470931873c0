package memory

// defaultSeparators are tried coarsest first: paragraph, line, sentence,
// clause, word. A chunk never ends inside a coarser unit when a boundary of
// that unit exists in the second half of the window.
var defaultSeparators = []string{"\n\n", "\n", ". ", "! ", "? ", "; ", ", ", " "}

// Chunker splits text into overlapping windows measured in runes.
//
// Every chunk after the first starts with exactly the last Overlap runes of
// the chunk before it, so the source can be rebuilt by concatenating the
// first chunk with every later chunk minus its first Overlap runes.
type Chunker struct {
	size       int
	overlap    int
	separators [][]rune
}

// NewChunker validates the window parameters.
func NewChunker(chunkSize, overlap int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, invalid("chunk_size", "must be positive, got %d", chunkSize)
	}
	if overlap < 0 {
		return nil, invalid("chunk_overlap", "must not be negative, got %d", overlap)
	}
	if overlap >= chunkSize {
		return nil, invalid("chunk_overlap", "must be smaller than chunk_size (%d >= %d)", overlap, chunkSize)
	}
	seps := make([][]rune, len(defaultSeparators))
	for i, s := range defaultSeparators {
		seps[i] = []rune(s)
	}
	return &Chunker{size: chunkSize, overlap: overlap, separators: seps}, nil
}

// Split is a convenience wrapper around NewChunker and Chunker.Split.
func Split(text string, chunkSize, overlap int) ([]string, error) {
	c, err := NewChunker(chunkSize, overlap)
	if err != nil {
		return nil, err
	}
	return c.Split(text), nil
}

// Size returns the maximum chunk length in runes.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the number of runes shared by consecutive chunks.
func (c *Chunker) Overlap() int { return c.overlap }

// Split returns the ordered chunks of text. Text no longer than the chunk
// size comes back as a single chunk equal to the input.
func (c *Chunker) Split(text string) []string {
	r := []rune(text)
	if len(r) <= c.size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for len(r)-start > c.size {
		end := c.boundary(r, start)
		chunks = append(chunks, string(r[start:end]))
		start = end - c.overlap
	}
	return append(chunks, string(r[start:]))
}

// Join rebuilds the source text from chunks produced by Split.
func (c *Chunker) Join(chunks []string) string {
	var out []rune
	for i, ch := range chunks {
		r := []rune(ch)
		if i > 0 {
			if len(r) < c.overlap {
				continue
			}
			r = r[c.overlap:]
		}
		out = append(out, r...)
	}
	return string(out)
}

// boundary picks the end (exclusive) of the chunk that starts at start.
// The end always lies past start+overlap so the next window makes progress,
// and separators stay attached to the chunk they terminate.
func (c *Chunker) boundary(r []rune, start int) int {
	limit := start + c.size
	floor := start + c.overlap + 1
	if half := start + c.size/2; half > floor {
		floor = half
	}
	for _, sep := range c.separators {
		for end := limit; end >= floor; end-- {
			if endsWith(r, end, sep) {
				return end
			}
		}
	}
	return limit
}

func endsWith(r []rune, end int, sep []rune) bool {
	begin := end - len(sep)
	if begin < 0 {
		return false
	}
	for i, s := range sep {
		if r[begin+i] != s {
			return false
		}
	}
	return true
}
