package model

// Variable is a global key/value pair shipped to every node. Per-node
// overrides live on the Node record and are merged on top by the node.
type Variable struct {
	BaseModel
	Name  string `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	Value string `gorm:"type:text" json:"value"`
}

// TableName specifies the table name for Variable
func (Variable) TableName() string {
	return "variables"
}
