package pipeline

import (
	"go-dm-relay/internal/model"
	"go-dm-relay/pkg/errs"
)

// Job is the unit of slow-path work. The set of implementations is closed:
// SingleShotJob for a payload received in one piece, ChunkedJob for a reassembled upload.
type Job interface {
	UploadID() string
	MessageID() string
	SenderID() uint
	RecipientID() uint
	FileName() string
	MimeType() string
	Payload() []byte
	sealed()
}

type jobBase struct {
	uploadID    string
	messageID   string
	senderID    uint
	recipientID uint
	fileName    string
	mimeType    string
	data        []byte
}

func (j *jobBase) UploadID() string  { return j.uploadID }
func (j *jobBase) MessageID() string { return j.messageID }
func (j *jobBase) SenderID() uint    { return j.senderID }
func (j *jobBase) RecipientID() uint { return j.recipientID }
func (j *jobBase) FileName() string  { return j.fileName }
func (j *jobBase) MimeType() string  { return j.mimeType }
func (j *jobBase) Payload() []byte   { return j.data }
func (j *jobBase) sealed()           {}

func (j *jobBase) validate() error {
	switch {
	case j.messageID == "":
		return errs.Validation("job has no message")
	case j.senderID == 0 || j.recipientID == 0:
		return errs.Validation("job has no participants")
	case j.mimeType == "":
		return errs.Validation("job has no mime type")
	case len(j.data) == 0:
		return errs.Validation("job has no payload")
	}
	if j.fileName == "" {
		j.fileName = "attachment"
	}
	return nil
}

type SingleShotJob struct {
	jobBase
}

// NewSingleShotJob builds a job for a payload that arrived whole. An empty uploadID gets a
// fresh one so the job can still be cancelled and polled.
func NewSingleShotJob(uploadID, messageID string, senderID, recipientID uint, fileName, mimeType string, data []byte) (*SingleShotJob, error) {
	if uploadID == "" {
		uploadID = model.NewID()
	}
	j := &SingleShotJob{jobBase{
		uploadID:    uploadID,
		messageID:   messageID,
		senderID:    senderID,
		recipientID: recipientID,
		fileName:    fileName,
		mimeType:    mimeType,
		data:        data,
	}}
	if err := j.validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// ChunkedJob is only built by the session store once every chunk has arrived.
type ChunkedJob struct {
	jobBase
	TotalChunks int
}

func newChunkedJob(s *session, data []byte) (*ChunkedJob, error) {
	j := &ChunkedJob{
		jobBase: jobBase{
			uploadID:    s.uploadID,
			messageID:   s.messageID,
			senderID:    s.ownerID,
			recipientID: s.recipientID,
			fileName:    s.fileName,
			mimeType:    s.mimeType,
			data:        data,
		},
		TotalChunks: len(s.chunks),
	}
	if err := j.validate(); err != nil {
		return nil, err
	}
	return j, nil
}

var (
	_ Job = (*SingleShotJob)(nil)
	_ Job = (*ChunkedJob)(nil)
)
