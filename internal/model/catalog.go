package model

// 支持的目标库类型
const (
	DBTypeMySQL      = "mysql"
	DBTypeTiDB       = "tidb"
	DBTypePostgres   = "postgres"
	DBTypeClickHouse = "clickhouse"
)

// Environment 环境（如 dev / staging / prod）
type Environment struct {
	BaseModel
	Name        string `gorm:"type:varchar(64);uniqueIndex;not null" json:"name"`
	Description string `gorm:"type:varchar(255)" json:"description,omitempty"`
}

// TableName specifies the table name for Environment model
func (Environment) TableName() string {
	return "environments"
}

// DBInstance 受管数据库实例
type DBInstance struct {
	BaseModel
	EnvironmentID int    `gorm:"index;not null" json:"environmentId"`
	Name          string `gorm:"type:varchar(128);not null" json:"name"`
	Hostname      string `gorm:"type:varchar(255);not null" json:"host"`
	Port          int    `gorm:"not null" json:"port"`
	DBType        string `gorm:"type:varchar(16);not null" json:"dbType"`
	Remark        string `gorm:"type:varchar(255)" json:"remark,omitempty"`
}

// TableName specifies the table name for DBInstance model
func (DBInstance) TableName() string {
	return "db_instances"
}

// DBSchema 实例下的库（schema），由元数据同步维护
type DBSchema struct {
	BaseModel
	InstanceID int    `gorm:"uniqueIndex:idx_instance_schema;not null" json:"instanceId"`
	Schema     string `gorm:"column:schema_name;type:varchar(128);uniqueIndex:idx_instance_schema;not null" json:"name"`
	IsDeleted  bool   `gorm:"default:false" json:"-"`
}

// TableName specifies the table name for DBSchema model
func (DBSchema) TableName() string {
	return "db_schemas"
}
