package backend

import (
	"fmt"

	"aurorac/ir"
)

// lowerRequest lowers `request service X(args)` into an SVC instruction
// carrying the service number in Imm and the argument register in Op0
// (spec §4.4). The actual syscall-vs-IAT dispatch for each service number
// is a target-specific concern handled entirely by the encoder/syscalls
// layer (spec §4.4's Linux vs Windows split), so codegen only records
// intent here.
func lowerRequest(c *Context, st ir.RequestStmt) error {
	switch st.Svc {
	case ir.ServicePrint:
		if len(st.Args) != 1 {
			return fmt.Errorf("%w: print takes 1 argument", ErrInvalidArgument)
		}
		v, err := lowerExpr(c, st.Args[0])
		if err != nil {
			return err
		}
		c.Unit.Emit(Svc, v.reg, 0, 0, int32(ir.ServicePrint), "svc print")
		releaseIfTemp(c, v)

	case ir.ServiceExit:
		v, err := lowerExpr(c, st.Args[0])
		if err != nil {
			return err
		}
		c.Unit.Emit(Svc, v.reg, 0, 0, int32(ir.ServiceExit), "svc exit")
		releaseIfTemp(c, v)

	case ir.ServicePause:
		c.Unit.Emit(Svc, 0, 0, 0, int32(ir.ServicePause), "svc pause")

	case ir.ServicePauseSilent:
		c.Unit.Emit(Svc, 0, 0, 0, int32(ir.ServicePauseSilent), "svc pause_silent")

	case ir.ServicePrintInt:
		if len(st.Args) != 1 {
			return fmt.Errorf("%w: print_int takes 1 argument", ErrInvalidArgument)
		}
		v, err := lowerExpr(c, st.Args[0])
		if err != nil {
			return err
		}
		c.Unit.Emit(Svc, v.reg, 0, 0, int32(ir.ServicePrintInt), "svc print_int")
		releaseIfTemp(c, v)

	case ir.ServiceInputInt:
		c.Unit.Emit(Svc, 0, 0, 0, int32(ir.ServiceInputInt), "svc input_int")

	case ir.ServicePrintFloat:
		if len(st.Args) != 1 {
			return fmt.Errorf("%w: print_float takes 1 argument", ErrInvalidArgument)
		}
		v, err := lowerExpr(c, st.Args[0])
		if err != nil {
			return err
		}
		if !v.float {
			v = convertToFloat(c, v)
		}
		c.Unit.Emit(Svc, v.reg, 0, 0, int32(ir.ServicePrintFloat), "svc print_float")
		releaseIfTemp(c, v)

	default:
		return fmt.Errorf("%w: unknown service %d", ErrInvalidArgument, st.Svc)
	}
	return nil
}
