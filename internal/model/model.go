package model

import (
	"database/sql"
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&Job{},
	&Frame{},
	&Failure{},
	&Segment{},
}

////////////////////////
// JOB MODELS
////////////////////////

// Job is one recorded print job
type Job struct {
	gorm.Model
	Name       string         `json:"name" gorm:"size:255"`
	File       string         `json:"file" gorm:"size:1024"`
	StartedAt  time.Time      `json:"startedAt" gorm:"type:timestamptz;index:idx_job_started_at"`
	EndedAt    sql.NullTime   `json:"endedAt" gorm:"type:timestamptz"`
	Success    bool           `json:"success"`
	Mode       string         `json:"mode" gorm:"size:16;default:COMMAND"`
	FrameCount uint           `json:"frameCount"`
	Settings   datatypes.JSON `json:"settings"` // stabilization settings in effect for the job
	Frames     []Frame
}

func (*Job) TableName() string {
	return "jobs"
}

////////////////////////
// CAPTURE MODELS
////////////////////////

// Frame is one captured timelapse image
type Frame struct {
	ID         uint      `json:"id" gorm:"primarykey;autoIncrement;"`
	JobID      uint      `json:"jobId" gorm:"index:idx_frame_job_id"`
	Job        Job       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:JobID;"`
	Index      int       `json:"index"`
	Path       string    `json:"path" gorm:"size:1024"`
	CapturedAt time.Time `json:"capturedAt" gorm:"type:timestamptz;"`
	FilePos    int64     `json:"filePos"` // -1 when the trigger had no file position
	Stabilized bool      `json:"stabilized"`
	Size       int64     `json:"size"`
	LatencyMs  float64   `json:"latencyMs"`
}

func (*Frame) TableName() string {
	return "frames"
}

// Failure is a snapshot that could not be taken as requested
type Failure struct {
	ID      uint      `json:"id" gorm:"primarykey;autoIncrement;"`
	JobID   uint      `json:"jobId" gorm:"index:idx_failure_job_id"`
	Job     Job       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:JobID;"`
	Time    time.Time `json:"time" gorm:"type:timestamptz;"`
	Kind    string    `json:"kind" gorm:"size:32"`
	Message string    `json:"message" gorm:"size:2000"`
}

func (*Failure) TableName() string {
	return "failures"
}

////////////////////////
// TOOLPATH MODELS
////////////////////////

// Segment is one extruding move of the motion recording
type Segment struct {
	ID       uint          `json:"id" gorm:"primarykey;autoIncrement;"`
	JobID    uint          `json:"jobId" gorm:"index:idx_segment_job_id"`
	Job      Job           `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;foreignkey:JobID;"`
	Time     time.Time     `json:"time" gorm:"type:timestamptz;"`
	Layer    float64       `json:"layer" gorm:"index:idx_segment_layer"` // Z of the end point
	Path     geom.Geometry `json:"-"`                                    // LineStringZ from start to end
	Extruded float64       `json:"extruded"`
	Feedrate float64       `json:"feedrate"`
}

func (*Segment) TableName() string {
	return "segments"
}
