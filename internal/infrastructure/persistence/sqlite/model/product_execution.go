package model

type ProductExecution struct {
	ExecutionUUID string  `gorm:"column:execution_uuid;type:text;primaryKey"`
	JobUUID       string  `gorm:"column:job_uuid;type:text;not null;index"`
	ProductID     string  `gorm:"column:product_id;type:text;not null"`
	ScanType      string  `gorm:"column:scan_type;type:text;not null"`
	State         string  `gorm:"column:state;type:text;not null;index"`
	Parameters    string  `gorm:"column:parameters;type:text;not null"`
	Result        string  `gorm:"column:result;type:text;not null;default:''"`
	ExitCode      int     `gorm:"column:exit_code;not null;default:0"`
	ErrorMessage  string  `gorm:"column:error_message;type:text;not null;default:''"`
	PID           int     `gorm:"column:pid;not null;default:0"`
	CreatedAt     string  `gorm:"column:created_at;type:text;not null"`
	StartedAt     *string `gorm:"column:started_at;type:text"`
	EndedAt       *string `gorm:"column:ended_at;type:text"`
}

func (ProductExecution) TableName() string {
	return "product_executions"
}
