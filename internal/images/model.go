package images

import "time"

// Image is the durable record of a single captured receipt.
type Image struct {
	ID             string     `gorm:"column:id;primaryKey;size:64;not null"`
	UserID         string     `gorm:"column:user_id;size:190;not null;index:idx_images_user_status,priority:1"`
	TraceID        string     `gorm:"column:trace_id;size:64;not null"`
	IntentID       string     `gorm:"column:intent_id;size:64;not null;uniqueIndex"`
	OriginalPath   string     `gorm:"column:original_path;type:text;not null"`
	OriginalSize   int64      `gorm:"column:original_size;not null;default:0"`
	CompressedPath string     `gorm:"column:compressed_path;type:text;not null;default:''"`
	CompressedSize int64      `gorm:"column:compressed_size;not null;default:0"`
	ContentHash    string     `gorm:"column:content_hash;size:64;not null;default:'';index"`
	Status         Status     `gorm:"column:status;size:16;not null;index:idx_images_user_status,priority:2"`
	S3Key          string     `gorm:"column:s3_key;type:text;not null;default:''"`
	LastError      string     `gorm:"column:last_error;type:text;not null;default:''"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null"`
	UploadedAt     *time.Time `gorm:"column:uploaded_at;index"`
	DeletedAt      *time.Time `gorm:"column:deleted_at;index"`
}

func (Image) TableName() string {
	return "images"
}

// HasArtifact reports whether the row still references a compressed output.
func (i Image) HasArtifact() bool {
	return i.CompressedPath != "" && i.ContentHash != ""
}
