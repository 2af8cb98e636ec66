package models

// BallotManifestEntry declares one batch of physical ballots and the county-wide
// positions [SequenceStart, SequenceEnd] assigned to it.
type BallotManifestEntry struct {
	ID              int64  `json:"id"`
	CountyID        int64  `json:"county_id"`
	ScannerID       int    `json:"scanner_id"`
	BatchID         string `json:"batch_id"`
	BatchSize       int64  `json:"batch_size"`
	StorageLocation string `json:"storage_location"`
	SequenceStart   int64  `json:"sequence_start"`
	SequenceEnd     int64  `json:"sequence_end"`
}

func (e BallotManifestEntry) Contains(sequence int64) bool {
	return sequence >= e.SequenceStart && sequence <= e.SequenceEnd
}

// PositionOf translates a county-wide sequence number into a 1-based position within the batch.
func (e BallotManifestEntry) PositionOf(sequence int64) int64 {
	return sequence - e.SequenceStart + 1
}

// Locates reports whether the entry describes the batch holding cvr.
func (e BallotManifestEntry) Locates(cvr *CastVoteRecord) bool {
	return e.CountyID == cvr.CountyID && e.ScannerID == cvr.ScannerID && e.BatchID == cvr.BatchID
}
