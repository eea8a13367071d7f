package storage

import (
	pipeerr "stockpipe/pkg/error"
)

const (
	// ErrStorageIO 表示发生了存储I/O错误。
	ErrStorageIO pipeerr.ErrorCode = "STORAGE_IO"
	// ErrStorageCorrupted 表示持久化存储的数据已损坏。
	ErrStorageCorrupted pipeerr.ErrorCode = "STORAGE_CORRUPTED"
	// ErrPartitionNotFound 表示分区不存在。
	ErrPartitionNotFound pipeerr.ErrorCode = "PARTITION_NOT_FOUND"
	// ErrInvalidFormat 表示数据格式无效。
	ErrInvalidFormat pipeerr.ErrorCode = "INVALID_FORMAT"
)

// StorageError 存储相关错误
type StorageError struct {
	pipeerr.BaseError
}

// NewStorageError 创建存储错误
func NewStorageError(code pipeerr.ErrorCode, message string) *StorageError {
	return &StorageError{
		BaseError: *pipeerr.NewError(code, message),
	}
}

// wrapStorageError 包装底层错误
func wrapStorageError(code pipeerr.ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		BaseError: *pipeerr.WrapError(code, message, cause),
	}
}

// writeError 持久化失败统一归类为 STORAGE_WRITE，批次调度器据此标记失败
func writeError(partition string, cause error) error {
	return pipeerr.WrapError(pipeerr.CodeStorageWrite, "persist partition "+partition, cause).
		WithContext("partition", partition)
}
