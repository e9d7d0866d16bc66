package model

type Job struct {
	JobUUID       string  `gorm:"column:job_uuid;type:text;primaryKey"`
	ProjectID     string  `gorm:"column:project_id;type:text;not null;index"`
	State         string  `gorm:"column:state;type:text;not null;index"`
	Strategy      string  `gorm:"column:strategy;type:text;not null"`
	Configuration string  `gorm:"column:configuration;type:text;not null"`
	CreatedAt     string  `gorm:"column:created_at;type:text;not null"`
	StartedAt     *string `gorm:"column:started_at;type:text"`
	EndedAt       *string `gorm:"column:ended_at;type:text"`
}

func (Job) TableName() string {
	return "jobs"
}
