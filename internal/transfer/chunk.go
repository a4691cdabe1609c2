package transfer

// ChunkSize keeps each binary message under common data channel limits.
const ChunkSize = 16384

// TotalChunks returns ceil(size / ChunkSize).
func TotalChunks(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

// Split slices data into ChunkSize pieces. The pieces alias data.
func Split(data []byte) [][]byte {
	chunks := make([][]byte, 0, TotalChunks(int64(len(data))))
	for off := 0; off < len(data); off += ChunkSize {
		end := min(off+ChunkSize, len(data))
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

func Assemble(chunks [][]byte) []byte {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
