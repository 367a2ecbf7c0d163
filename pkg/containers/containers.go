// Package containers 模块之间通过 state 传递的数据
package containers

// Container 可存入 state 的任意值
type Container interface {
	ContainerType() string
}

// FSPath 本地或远端文件系统上的路径
type FSPath struct {
	Path string
}

func (FSPath) ContainerType() string { return "fspath" }

// File 模块产出的本地文件
type File struct {
	Name        string
	Path        string
	Description string
}

func (File) ContainerType() string { return "file" }

// Directory 存放采集结果的本地目录
type Directory struct {
	Name string
	Path string
}

func (Directory) ContainerType() string { return "directory" }

// OsqueryQuery 待下发到主机执行的 osquery 查询
type OsqueryQuery struct {
	Query       string
	Name        string
	Description string
	Platforms   []string
}

func (OsqueryQuery) ContainerType() string { return "osquery_query" }

// Report 模块输出给用户阅读的报告
type Report struct {
	ModuleName string
	Text       string
	TextFormat string
	Attributes []map[string]any
}

func (Report) ContainerType() string { return "report" }

// TicketAttribute 事件工单上的属性
type TicketAttribute struct {
	Type  string
	Name  string
	Value string
}

func (TicketAttribute) ContainerType() string { return "ticketattribute" }
