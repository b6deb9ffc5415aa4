// Command wim is a thin CLI over the gowim engine: capture a
// directory into an archive, apply an image back out, or export one
// to a cpio/tar.gz stream. It exists to exercise the library end to
// end (spec.md §1 explicitly keeps any shipped front-end out of the
// core's scope), modeled on cmd/distri's verb-dispatch shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/gowim/wim"
	"github.com/gowim/wim/apply"
	"github.com/gowim/wim/archive"
	"github.com/gowim/wim/blobtable"
	"github.com/gowim/wim/capture"
	"github.com/gowim/wim/export"
)

var debug = flag.Bool("debug", false, "format error messages with additional detail")

func parseCodec(name string) (wim.Codec, error) {
	switch name {
	case "", "lzx":
		return wim.CodecLZX, nil
	case "xpress":
		return wim.CodecXPRESS, nil
	case "none":
		return wim.CodecNone, nil
	default:
		return 0, fmt.Errorf("unknown codec %q, want none|xpress|lzx", name)
	}
}

func cmdCapture(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("capture", flag.ExitOnError)
	codecFlag := fset.String("codec", "lzx", "chunk codec: none|xpress|lzx")
	fset.Parse(args)
	if fset.NArg() != 2 {
		return fmt.Errorf("syntax: wim capture [-codec=lzx] <srcdir> <out.wim>")
	}
	src, out := fset.Arg(0), fset.Arg(1)

	codec, err := parseCodec(*codecFlag)
	if err != nil {
		return err
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	blobs := blobtable.New()
	source := &capture.PosixSource{Base: src}
	result, err := capture.CaptureImage(ctx, source, "", capture.Config{}, blobs)
	if err != nil {
		return xerrors.Errorf("capture: %w", err)
	}

	aw, err := archive.Create(f, codec, blobs)
	if err != nil {
		return err
	}
	for _, pb := range result.Pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := pb.Open()
		if err != nil {
			return xerrors.Errorf("opening %s: %w", pb.Hash, err)
		}
		err = aw.WriteBlob(pb.Hash, r)
		r.Close()
		if err != nil {
			return xerrors.Errorf("writing blob %s: %w", pb.Hash, err)
		}
	}
	if err := aw.AddImage(result.Image); err != nil {
		return xerrors.Errorf("writing metadata: %w", err)
	}
	if err := aw.Finish(0); err != nil {
		return xerrors.Errorf("finishing archive: %w", err)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w.String())
	}
	return nil
}

func cmdApply(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("apply", flag.ExitOnError)
	strict := fset.Bool("strict", false, "fail instead of warn on unsupported features")
	image := fset.Int("image", 1, "1-based image index to apply")
	fset.Parse(args)
	if fset.NArg() != 2 {
		return fmt.Errorf("syntax: wim apply [-image=1] <in.wim> <destdir>")
	}
	in, dest := fset.Arg(0), fset.Arg(1)

	ar, err := archive.Open(in, 4)
	if err != nil {
		return err
	}
	defer ar.Close()
	if *image < 1 || *image > len(ar.Images) {
		return fmt.Errorf("image %d out of range (archive has %d)", *image, len(ar.Images))
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	target := &apply.PosixTarget{Root: dest}
	warnings, err := apply.ApplyImage(ctx, ar.Images[*image-1], ar.Blobs, ar.ReadBlob, target, apply.Options{Strict: *strict})
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w.String())
	}
	if err != nil {
		return xerrors.Errorf("apply: %w", err)
	}
	return nil
}

func cmdExport(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("export", flag.ExitOnError)
	format := fset.String("format", "targz", "output format: cpio|targz")
	image := fset.Int("image", 1, "1-based image index to export")
	out := fset.String("out", "", "output path (default: stdout)")
	fset.Parse(args)
	if fset.NArg() != 1 {
		return fmt.Errorf("syntax: wim export [-format=targz] [-image=1] [-out=path] <in.wim>")
	}
	in := fset.Arg(0)

	ar, err := archive.Open(in, 2)
	if err != nil {
		return err
	}
	defer ar.Close()
	if *image < 1 || *image > len(ar.Images) {
		return fmt.Errorf("image %d out of range (archive has %d)", *image, len(ar.Images))
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	root := ar.Images[*image-1].Root
	switch *format {
	case "cpio":
		return export.ExportCPIO(root, ar.ReadBlob, w)
	case "targz":
		return export.ExportTarGZ(root, ar.ReadBlob, w)
	default:
		return fmt.Errorf("unknown format %q, want cpio|targz", *format)
	}
}

func cmdInfo(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("syntax: wim info <in.wim>")
	}
	ar, err := archive.Open(args[0], 1)
	if err != nil {
		return err
	}
	defer ar.Close()

	fmt.Printf("version:    %#x\n", ar.Header.Version)
	fmt.Printf("codec:      %s\n", ar.Header.Compression())
	fmt.Printf("images:     %d\n", len(ar.Images))
	fmt.Printf("blobs:      %d\n", ar.Blobs.Len())
	fmt.Printf("guid:       %x\n", ar.Header.GUID)
	return nil
}

func funcmain() error {
	flag.Parse()

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"capture": {cmdCapture},
		"apply":   {cmdApply},
		"export":  {cmdExport},
		"info":    {cmdInfo},
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "wim <command> [options] <args>\n")
		fmt.Fprintf(os.Stderr, "commands: capture, apply, export, info\n")
		os.Exit(2)
	}
	verb, rest := args[0], args[1:]

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		os.Exit(2)
	}

	ctx, canc := interruptibleContext()
	defer canc()
	if err := v.fn(ctx, rest); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
