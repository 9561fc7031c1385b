package proxies

import (
	"context"
	"encoding/base64"

	"github.com/benmeehan/boxrelay/internal/constants"
	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/benmeehan/boxrelay/internal/utils"
)

const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
)

var encodings = utils.SliceToSet([]string{"", EncodingUTF8, EncodingBase64})

// FileReadArgs are the arguments of file.read.
type FileReadArgs struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding,omitempty"`
}

// FileWriteArgs are the arguments of file.write.
type FileWriteArgs struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
	Mode     uint32 `json:"mode,omitempty"` // Unix permission bits, box default when zero
	Append   bool   `json:"append,omitempty"`
}

// FileListArgs are the arguments of file.list.
type FileListArgs struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

// FileDeleteArgs are the arguments of file.delete.
type FileDeleteArgs struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

// FileProxy reads and writes files on a box.
type FileProxy struct {
	exec Executor
}

func NewFileProxy(exec Executor) *FileProxy {
	return &FileProxy{exec: exec}
}

func (p *FileProxy) Read(ctx context.Context, boxID string, args FileReadArgs, opts models.ExecOptions) models.CommandResult {
	if res := requireBox(boxID); res != nil {
		return *res
	}
	if err := validatePath(args.Path); err != nil {
		return invalidArgs("%v", err)
	}
	if _, ok := encodings[args.Encoding]; !ok {
		return invalidArgs("unsupported encoding %q", args.Encoding)
	}
	return p.exec.ExecuteCommand(ctx, boxID, constants.CommandFileRead, args, opts)
}

func (p *FileProxy) Write(ctx context.Context, boxID string, args FileWriteArgs, opts models.ExecOptions) models.CommandResult {
	if res := requireBox(boxID); res != nil {
		return *res
	}
	if err := validatePath(args.Path); err != nil {
		return invalidArgs("%v", err)
	}
	if _, ok := encodings[args.Encoding]; !ok {
		return invalidArgs("unsupported encoding %q", args.Encoding)
	}
	if len(args.Content) > maxInlineBytes {
		return invalidArgs("content exceeds %d bytes", maxInlineBytes)
	}
	if args.Encoding == EncodingBase64 {
		if _, err := base64.StdEncoding.DecodeString(args.Content); err != nil {
			return invalidArgs("content is not valid base64")
		}
	}
	if args.Mode > 0o7777 {
		return invalidArgs("mode %o is out of range", args.Mode)
	}
	return p.exec.ExecuteCommand(ctx, boxID, constants.CommandFileWrite, args, opts)
}

func (p *FileProxy) List(ctx context.Context, boxID string, args FileListArgs, opts models.ExecOptions) models.CommandResult {
	if res := requireBox(boxID); res != nil {
		return *res
	}
	if err := validatePath(args.Path); err != nil {
		return invalidArgs("%v", err)
	}
	return p.exec.ExecuteCommand(ctx, boxID, constants.CommandFileList, args, opts)
}

// Delete removes a file, or a directory tree when Recursive is set. The root
// directory is refused.
func (p *FileProxy) Delete(ctx context.Context, boxID string, args FileDeleteArgs, opts models.ExecOptions) models.CommandResult {
	if res := requireBox(boxID); res != nil {
		return *res
	}
	if err := validatePath(args.Path); err != nil {
		return invalidArgs("%v", err)
	}
	if args.Path == "/" {
		return invalidArgs("refusing to delete /")
	}
	return p.exec.ExecuteCommand(ctx, boxID, constants.CommandFileDelete, args, opts)
}
