package model

// UserRole 来自认证服务签发的 JWT，本服务不维护用户表
type UserRole string

const (
	Student UserRole = "student"
	Teacher UserRole = "teacher"
	Admin   UserRole = "admin"
)

func (r UserRole) IsStaff() bool {
	return r == Teacher || r == Admin
}
