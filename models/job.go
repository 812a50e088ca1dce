package models

import "github.com/lib/pq"

// Character is the user-owned generation subject a job renders. The
// reference image lives in R2 under RefImageKey.
type Character struct {
	JsonModel
	Name         string      `json:"name"`
	Description  *string     `gorm:"type:text" json:"description"`
	Owner        UserAccount `json:"-"`
	OwnerID      uint        `json:"-"`
	RefImageKey  *string     `json:"ref_image_key"`
	TriggerWords *string     `json:"trigger_words"`
	NSFW         bool        `gorm:"default:false" json:"nsfw"`
}

// GenerationJob is one generation request moving through the fixed
// pipeline. The orchestrator, the provider webhook and the ops console
// are the only writers; concurrent writers serialize on the row.
type GenerationJob struct {
	JsonModel
	Owner       UserAccount `json:"-"`
	OwnerID     uint        `json:"-"`
	Character   Character   `json:"character"`
	CharacterID uint        `json:"character_id"`

	Prompt      string  `gorm:"type:text" json:"prompt"`
	ImageModel  string  `json:"image_model"`
	VideoModel  *string `json:"video_model"`
	AspectRatio string  `json:"aspect_ratio"`
	NSFW        bool    `gorm:"default:false" json:"nsfw"`
	// optional clothing reference image key for the cloth swap step
	ClothImageKey *string `json:"cloth_image_key"`
	WithVideo     bool    `gorm:"default:false" json:"with_video"`

	CurrentStep   PipelineStep  `gorm:"default:0" json:"current_step"`
	Status        JobStatus     `json:"status"` // queued, processing, completed, failed, paused
	QualityStatus QualityStatus `json:"quality_status"`
	Progress      int           `gorm:"default:0" json:"progress"`
	// credit cents actually charged for this job
	Cost         int64   `gorm:"default:0" json:"cost"`
	RetryCount   int     `gorm:"default:0" json:"retry_count"`
	ErrorMessage *string `gorm:"type:text" json:"error_message"`
	RejectReason *string `gorm:"type:text" json:"reject_reason"`

	// R2 object keys once mirrored; ephemeral provider URLs otherwise
	ImageKey      *string        `json:"image_key"`
	VideoKey      *string        `json:"video_key"`
	PreviewFrames pq.StringArray `gorm:"type:text[]" json:"preview_frames"`
	// provider-side correlation id for the pending async call
	ProviderRequestID *string `json:"-"`
}

// MediaAsset records one media file the browser extension pushed to the
// upload endpoint, mirrored into owned storage.
type MediaAsset struct {
	JsonModel
	Owner     UserAccount `json:"-"`
	OwnerID   uint        `json:"-"`
	SourceURL string      `gorm:"type:text" json:"source_url"`
	Kind      string      `json:"kind"` // image, video
	ObjectKey *string     `json:"object_key"`
	Mirrored  bool        `gorm:"default:false" json:"mirrored"`
}
