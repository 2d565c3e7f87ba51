package geom

// MinChunk is the smallest chunk that still holds one pair.
const MinChunk = 2

// ChunkSize is ceil(n/k) floored at MinChunk.
func ChunkSize(n, k int) int {
	if k < 1 {
		k = 1
	}
	size := (n + k - 1) / k
	if size < MinChunk {
		size = MinChunk
	}
	return size
}

// Split cuts points into chunks of ChunkSize(len(points), k) for k endpoints.
// Neighbouring chunks share their boundary point, so each consecutive pair of
// the input lands in exactly one chunk. A tail of at most size+1 points is
// taken whole rather than split again. The chunks alias points.
//
// Split returns nil when fewer than MinChunk points are given.
func Split(points []Point, k int) [][]Point {
	if len(points) < MinChunk {
		return nil
	}
	size := ChunkSize(len(points), k)

	var chunks [][]Point
	start := 0
	for {
		rest := len(points) - start
		if rest <= size+1 {
			chunks = append(chunks, points[start:])
			return chunks
		}
		end := start + size
		chunks = append(chunks, points[start:end])
		start = end - 1
	}
}
