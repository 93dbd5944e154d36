package protocol

// UploadResult is the outcome of a dashboard upload. It is one of
// UploadAccepted, UploadConflict or UploadRejected; switch on the
// concrete type so that the conflict case cannot be skipped silently.
type UploadResult interface {
	uploadResult()
}

// UploadAccepted means the remote authority stored the snapshot.
type UploadAccepted struct {
	// Version is the server-assigned version after the write.
	Version int
}

// UploadConflict means the remote holds a version other than the one the
// upload was based on. Nothing was written.
type UploadConflict struct {
	RemoteVersion int
}

// UploadRejected means the remote refused the upload for any other reason.
type UploadRejected struct {
	Reason string
}

func (UploadAccepted) uploadResult() {}
func (UploadConflict) uploadResult() {}
func (UploadRejected) uploadResult() {}

// ErrCodeVersionConflict is the error string the remote authority
// returns when an upload's base version is stale.
const ErrCodeVersionConflict = "VERSION_CONFLICT"
