package model

import "time"

// FileStatus represents the lifecycle state of a library file
type FileStatus string

const (
	FileStatusUnprocessed   FileStatus = "unprocessed"
	FileStatusProcessing    FileStatus = "processing"
	FileStatusProcessed     FileStatus = "processed"
	FileStatusFailed        FileStatus = "failed"
	FileStatusOnHold        FileStatus = "on_hold"
	FileStatusOutOfSchedule FileStatus = "out_of_schedule"
	FileStatusDisabled      FileStatus = "disabled"
)

// LibraryFile is one unit of work dispatched to a node. Records are created
// by the library scanner; this subsystem only mutates them around dispatch
// and completion.
type LibraryFile struct {
	BaseModel
	Name              string     `gorm:"type:varchar(1024);not null" json:"name"`
	Status            FileStatus `gorm:"type:enum('unprocessed','processing','processed','failed','on_hold','out_of_schedule','disabled');default:'unprocessed';index" json:"status"`
	NodeID            int        `gorm:"default:0;index" json:"node_id"`
	FlowID            int        `gorm:"default:0" json:"flow_id"`
	ProcessingStarted *time.Time `json:"processing_started,omitempty"`
	OriginalSize      int64      `gorm:"default:0" json:"original_size"`
	FinalSize         int64      `gorm:"default:0" json:"final_size"`
	Reprocessing      bool       `gorm:"type:tinyint;default:0" json:"reprocessing"`
	OutputPath        string     `gorm:"type:varchar(1024)" json:"output_path"`
	ProcessingLog     string     `gorm:"type:text" json:"processing_log,omitempty"`
}

// TableName specifies the table name for LibraryFile
func (LibraryFile) TableName() string {
	return "library_files"
}

// Finished reports whether the file has reached a terminal state
func (f *LibraryFile) Finished() bool {
	return f.Status == FileStatusProcessed || f.Status == FileStatusFailed
}
