package grpcx

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/bufbuild/protocompile"
	"github.com/bufbuild/protocompile/linker"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// compileProtos compiles user-supplied .proto sources into linked
// descriptors. Each file's directory doubles as an import path so sources can
// import their siblings.
func compileProtos(ctx context.Context, protoFiles []string) (linker.Files, error) {
	if len(protoFiles) == 0 {
		return nil, fmt.Errorf("no proto files given")
	}

	seen := make(map[string]bool)
	var importPaths []string
	names := make([]string, 0, len(protoFiles))
	for _, p := range protoFiles {
		dir := filepath.Dir(p)
		if !seen[dir] {
			seen[dir] = true
			importPaths = append(importPaths, dir)
		}
		names = append(names, filepath.Base(p))
	}

	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			ImportPaths: importPaths,
		}),
	}
	files, err := compiler.Compile(ctx, names...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile proto sources: %w", err)
	}
	return files, nil
}

// findMethod resolves a method descriptor by fully-qualified service name and
// method name.
func findMethod(files linker.Files, service, method string) (protoreflect.MethodDescriptor, error) {
	for _, f := range files {
		svcs := f.Services()
		for i := 0; i < svcs.Len(); i++ {
			svc := svcs.Get(i)
			if string(svc.FullName()) != service {
				continue
			}
			m := svc.Methods().ByName(protoreflect.Name(method))
			if m == nil {
				return nil, fmt.Errorf("method %s not found on service %s", method, service)
			}
			return m, nil
		}
	}
	return nil, fmt.Errorf("service %s not found in proto sources", service)
}

// ServiceDefinition describes one service found in the proto sources.
type ServiceDefinition struct {
	Name    string
	Methods []string
}

// ListServices compiles the sources and returns every service with its
// method names, sorted for stable display.
func ListServices(ctx context.Context, protoFiles []string) ([]ServiceDefinition, error) {
	files, err := compileProtos(ctx, protoFiles)
	if err != nil {
		return nil, err
	}

	var defs []ServiceDefinition
	for _, f := range files {
		svcs := f.Services()
		for i := 0; i < svcs.Len(); i++ {
			svc := svcs.Get(i)
			def := ServiceDefinition{Name: string(svc.FullName())}
			methods := svc.Methods()
			for j := 0; j < methods.Len(); j++ {
				def.Methods = append(def.Methods, string(methods.Get(j).Name()))
			}
			sort.Strings(def.Methods)
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}
